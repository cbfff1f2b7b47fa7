package graph

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/Jeffail/gabs"
)

// Parse はアップストリームのレスポンスボディからGraphを作ります
// JSONとして壊れている、またはdenormalizedが無い場合でもエラーにはせず、空のGraphを返します
// 長時間動く監視ループをペイロードの形の揺れで止めないためです
func Parse(body []byte) *Graph {
	g := New()

	doc, err := gabs.ParseJSON(body)
	if err != nil {
		return g
	}

	g.id, _ = doc.Search("id").Data().(string)
	g.message, _ = doc.Search("message").Data().(string)
	if status, _ := doc.Search("status").Data().(string); status == "failure" {
		g.failed = true
	}
	if links, err := doc.Search("links").Children(); err == nil {
		for _, l := range links {
			if s, ok := l.Data().(string); ok && s != "" {
				g.links = append(g.links, s)
			}
		}
	}

	entries, err := doc.Search("denormalized").ChildrenMap()
	if err != nil {
		return g
	}
	for _, key := range orderedKeys(body, "denormalized", entries) {
		entry := entries[key]
		g.add(newResource(key, entry.Search("data").Data(), entry.Search("relations").Data()))
	}
	return g
}

// orderedKeys はペイロード上のキー順を返します
// gabsのChildrenMapはmapなので順序が失われるため、トークンを読んで順序だけ復元します
// 復元できなかったキーはソートして末尾に付けます
func orderedKeys(body []byte, field string, present map[string]*gabs.Container) []string {
	out := make([]string, 0, len(present))
	seen := make(map[string]bool, len(present))
	for _, k := range objectKeyOrder(body, field) {
		if _, ok := present[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	var rest []string
	for k := range present {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// objectKeyOrder はトップレベルのfieldオブジェクトのキーを出現順に返します
func objectKeyOrder(body []byte, field string) []string {
	dec := json.NewDecoder(bytes.NewReader(body))
	if !expectDelim(dec, '{') {
		return nil
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := tok.(string)
		if key != field {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			continue
		}
		if !expectDelim(dec, '{') {
			return nil
		}
		var keys []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return keys
			}
			k, _ := tok.(string)
			keys = append(keys, k)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return keys
			}
		}
		return keys
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	d, ok := tok.(json.Delim)
	return ok && d == want
}
