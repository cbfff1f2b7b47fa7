package graph

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs"
)

// Resource は非正規化ペイロードの1エントリです
// 自身のフィールド（data）と、同じグラフ内の別キーへの名前付き参照（relations）を持ちます
type Resource struct {
	Key       string              // リソースキー（URL形式のことが多い）
	data      *gabs.Container     // dataフィールド
	relations map[string][]string // relation名 → 参照先キー（単一キーも長さ1のスライスで保持）
}

// NewResource はリソースを組み立てます
// relationsの値は string / []string / []any を受け付け、それ以外は欠損として扱います
func NewResource(key string, data map[string]any, relations map[string]any) Resource {
	return newResource(key, data, relations)
}

func newResource(key string, data any, relations any) Resource {
	c, _ := gabs.Consume(data)
	return Resource{Key: key, data: c, relations: parseRelations(relations)}
}

func parseRelations(raw any) map[string][]string {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(m))
	for name, v := range m {
		switch t := v.(type) {
		case string:
			if t != "" {
				out[name] = []string{t}
			}
		case []string:
			out[name] = compactKeys(t)
		case []any:
			keys := make([]string, 0, len(t))
			for _, item := range t {
				if s, ok := item.(string); ok {
					keys = append(keys, s)
				}
			}
			out[name] = compactKeys(keys)
		}
	}
	return out
}

func compactKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Field はdataフィールドの生の値を返します。存在しない場合はnilです
func (r *Resource) Field(name string) any {
	if r == nil || r.data == nil {
		return nil
	}
	return r.data.Search(name).Data()
}

// Has はdataフィールドがnull以外の値で存在するかを返します
func (r *Resource) Has(name string) bool {
	return r.Field(name) != nil
}

// String はdataフィールドを文字列として返します
// 整数値の数値は "10" のように整数表記になります。欠損時は空文字です
func (r *Resource) String(name string) string {
	return stringify(r.Field(name))
}

// Int はdataフィールドを整数として返します。欠損や変換不能な場合は0です
func (r *Resource) Int(name string) int {
	switch v := r.Field(name).(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Bool はdataフィールドを真偽値として返します
func (r *Resource) Bool(name string) bool {
	switch v := r.Field(name).(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

// Data はdataフィールド全体を返します。オブジェクトでない場合はnilです
func (r *Resource) Data() map[string]any {
	if r == nil || r.data == nil {
		return nil
	}
	m, _ := r.data.Data().(map[string]any)
	return m
}

// Relation はrelationの参照先キーを返します
// 2つ目の戻り値はrelationが存在したか（空配列でも存在扱い）です
func (r *Resource) Relation(name string) ([]string, bool) {
	if r == nil {
		return nil, false
	}
	keys, ok := r.relations[name]
	return keys, ok
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
