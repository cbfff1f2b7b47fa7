// Package graph はアップストリームAPIの非正規化ペイロードを扱います
// ペイロードはリソースキー → {data, relations} のフラットなマップで、
// 参照先が同じペイロードに含まれないことも珍しくありません
// 欠けた参照は「存在しない」として扱い、エラーにはしません
package graph

import "strings"

// Graph はリソースキーで引けるルックアップテーブルです
// 生成後は変更されないため、取得サイクルごとに新しいGraphを作ります
type Graph struct {
	id        string               // エンベロープのid（主リソースのキー）
	failed    bool                 // status == "failure"
	message   string               // エンベロープのmessage
	links     []string             // 検索結果などのlinks
	order     []string             // ペイロード上のキー順
	resources map[string]*Resource // キー → リソース
}

// New はリソースからGraphを組み立てます
// 同じキーが複数ある場合は後のものが優先されますが、順序は最初の位置を保ちます
func New(resources ...Resource) *Graph {
	g := &Graph{resources: make(map[string]*Resource, len(resources))}
	for i := range resources {
		g.add(resources[i])
	}
	return g
}

func (g *Graph) add(r Resource) {
	if _, exists := g.resources[r.Key]; !exists {
		g.order = append(g.order, r.Key)
	}
	res := r
	g.resources[r.Key] = &res
}

// ID はエンベロープのidを返します
func (g *Graph) ID() string {
	if g == nil {
		return ""
	}
	return g.id
}

// Failed はアップストリームが status: "failure" を返したかを返します
func (g *Graph) Failed() bool { return g != nil && g.failed }

// Message はエンベロープのmessageを返します
func (g *Graph) Message() string {
	if g == nil {
		return ""
	}
	return g.message
}

// Links はエンベロープのlinksを返します
func (g *Graph) Links() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.links...)
}

// Len はリソース数を返します
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.order)
}

// Keys はペイロード上の順序でキーを返します
func (g *Graph) Keys() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.order...)
}

// Lookup はキーの完全一致でリソースを引きます
func (g *Graph) Lookup(key string) (*Resource, bool) {
	if g == nil || key == "" {
		return nil, false
	}
	r, ok := g.resources[key]
	return r, ok
}

// Primary はエンベロープのidが指すリソースを返します
func (g *Graph) Primary() (*Resource, bool) {
	return g.Lookup(g.ID())
}

// Find はpredを満たす最初のリソースを返します
// 走査順はペイロードのキー順ですが、アップストリームはこの順序を保証しません
func (g *Graph) Find(pred func(*Resource) bool) (*Resource, bool) {
	if g == nil {
		return nil, false
	}
	for _, key := range g.order {
		if r := g.resources[key]; pred(r) {
			return r, true
		}
	}
	return nil, false
}

// Filter はpredを満たすすべてのリソースをキー順で返します
func (g *Graph) Filter(pred func(*Resource) bool) []*Resource {
	if g == nil {
		return nil
	}
	var out []*Resource
	for _, key := range g.order {
		if r := g.resources[key]; pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// FindByID はIDからリソースを探します。kindは "room" や "user" です
// アップストリームはエンドポイントによってキーの形が揃っていないため、次の順に試します:
//  1. キーの完全一致
//  2. "<kind>-<id>" のキー、または "/<kind>-<id>" で終わるキー
//  3. data.id の完全一致
//  4. data.id が id を文字列として含む
func (g *Graph) FindByID(kind, id string) (*Resource, bool) {
	id = strings.TrimSpace(id)
	if g == nil || id == "" {
		return nil, false
	}
	if r, ok := g.Lookup(id); ok {
		return r, true
	}
	if kind != "" {
		short := kind + "-" + id
		if r, ok := g.Find(func(r *Resource) bool {
			return r.Key == short || strings.HasSuffix(r.Key, "/"+short)
		}); ok {
			return r, true
		}
	}
	if r, ok := g.Find(func(r *Resource) bool { return r.String("id") == id }); ok {
		return r, true
	}
	return g.Find(func(r *Resource) bool {
		rid := r.String("id")
		return rid != "" && strings.Contains(rid, id)
	})
}

// ResolveRelation はrelationの参照先をグラフ内で引きます
// グラフに存在しないキーは黙って除外され、順序は参照元の並びを保ちます
func (g *Graph) ResolveRelation(r *Resource, name string) []*Resource {
	keys, ok := r.Relation(name)
	if !ok {
		return nil
	}
	out := make([]*Resource, 0, len(keys))
	for _, key := range keys {
		if target, ok := g.Lookup(key); ok {
			out = append(out, target)
		}
	}
	return out
}

// ResolveOne は単一参照のrelationを引きます
func (g *Graph) ResolveOne(r *Resource, name string) (*Resource, bool) {
	keys, ok := r.Relation(name)
	if !ok || len(keys) == 0 {
		return nil, false
	}
	return g.Lookup(keys[0])
}
