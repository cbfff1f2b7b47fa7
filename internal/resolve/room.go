// Package resolve はGraphから型付きのRoom/User/UserRefを組み立てます
// どのルールも欠損をエラーにせず、「見つからない」「関係なし」として扱います
package resolve

import (
	"context"
	"regexp"
	"strings"

	"github.com/SteamVC/RoomWatch/internal/graph"
	"github.com/SteamVC/RoomWatch/internal/models"
)

const (
	HostPlaceholder     = "Host" // ホストのユーザー名が取れない場合の表示名
	OccupantPlaceholder = "User" // 参加者のユーザー名が取れない場合の表示名
)

// roomKeyPattern はキーやURLからルームIDを取り出します
// IDは数字だけとは限らない（"105959787-406" など）ため、区切り文字までを丸ごと受け付けます
var roomKeyPattern = regexp.MustCompile(`room-([^/?#\s]+)`)

// RoomFetcher はルーム詳細のGraphを取得するアップストリームの窓口です
type RoomFetcher interface {
	FetchRoom(ctx context.Context, roomID string) (*graph.Graph, error)
}

// Resolver は参加者の探索戦略を保持します
type Resolver struct {
	strategies []occupantStrategy
}

// New は指定された順序の参加者探索戦略でResolverを作成します
// 空の場合は DefaultOccupantStrategies を使います
func New(strategyNames []string) (*Resolver, error) {
	s, err := lookupStrategies(strategyNames)
	if err != nil {
		return nil, err
	}
	return &Resolver{strategies: s}, nil
}

// Default は既定の戦略順のResolverです
func Default() *Resolver {
	rs, _ := New(nil)
	return rs
}

// ResolveRoom はGraphからRoomを組み立てます
// roomIDHintがある場合はFindByIDで探し、ない場合は主リソースか最初の名前付きリソースを使います
// 同じGraphに対しては常に同じ値を返します
func (rs *Resolver) ResolveRoom(g *graph.Graph, roomIDHint string) (models.Room, bool) {
	res, ok := findRoomResource(g, roomIDHint)
	if !ok {
		return models.Room{}, false
	}
	return rs.roomFrom(g, res, roomIDHint), true
}

// RoomFromResource は既に特定済みのルームリソースからRoomを組み立てます
// 検索結果のように1つのGraphに複数のルームが含まれる場合に使います
func (rs *Resolver) RoomFromResource(g *graph.Graph, res *graph.Resource) models.Room {
	return rs.roomFrom(g, res, RoomIDFromKey(res.Key))
}

func findRoomResource(g *graph.Graph, hint string) (*graph.Resource, bool) {
	if hint = strings.TrimSpace(hint); hint != "" {
		return g.FindByID("room", hint)
	}
	if r, ok := g.Primary(); ok && r.Has("name") {
		return r, true
	}
	return g.Find(func(r *graph.Resource) bool {
		return r.String("name") != "" && r.String("username") == ""
	})
}

func (rs *Resolver) roomFrom(g *graph.Graph, res *graph.Resource, hint string) models.Room {
	room := models.Room{
		ID:           res.String("id"),
		Name:         res.String("name"),
		Capacity:     res.Int("capacity"),
		Description:  res.String("description"),
		CurrentUsers: res.Int("current_occupancy"),
		Privacy:      res.String("privacy"),
		Rating:       res.String("rating"),
		Users:        []models.UserRef{},
	}
	if room.ID == "" {
		room.ID = strings.TrimSpace(hint)
	}
	if room.ID == "" {
		room.ID = RoomIDFromKey(res.Key)
	}

	if host, ok := g.ResolveOne(res, "creator"); ok {
		ref := UserRefFrom(host, HostPlaceholder)
		room.Host = &ref
	}

	for _, strategy := range rs.strategies {
		if refs, found := strategy(g, res); found {
			room.Users = refs
			break
		}
	}
	return room
}

// UserRefFrom はユーザーリソースを表示用のUserRefに変換します
// ユーザー名は legacy_cid → username → placeholder の順に採用します
// （usernameが欠けていてもlegacy_cidは常にあるというアップストリームの癖に合わせています）
func UserRefFrom(r *graph.Resource, placeholder string) models.UserRef {
	ref := models.UserRef{
		ID:          r.String("id"),
		Username:    firstNonEmpty(r.String("legacy_cid"), r.String("username"), placeholder),
		AvatarImage: firstNonEmpty(r.String("avatar_image"), r.String("image")),
	}
	return ref
}

// RoomIDFromKey はキーやURLからルームIDを取り出します。該当しない場合は空文字です
func RoomIDFromKey(key string) string {
	// 最後の一致を使う（"/room/room-<id>/..." の形に合わせる）
	all := roomKeyPattern.FindAllStringSubmatch(key, -1)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1][1]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
