package resolve

import (
	"context"
	"regexp"
	"strings"

	"github.com/SteamVC/RoomWatch/internal/graph"
	"github.com/SteamVC/RoomWatch/internal/models"
)

var userKeyPattern = regexp.MustCompile(`user-([^/?#\s]+)`)

// ResolveUser はGraphからユーザーを探します
// 実際にはユーザー検索の結果には該当ユーザーが1件だけ含まれますが、位置には頼らず条件で探します:
//  1. usernameがusernameHintと（大文字小文字を無視して）一致するもの
//  2. usernameが空でない最初のもの
//  3. キーが user-<id> の形でdata.idを持つ最初のもの
func ResolveUser(g *graph.Graph, usernameHint string) (models.User, *graph.Resource, bool) {
	hint := strings.TrimSpace(usernameHint)
	preds := []func(*graph.Resource) bool{
		func(r *graph.Resource) bool {
			return hint != "" && strings.EqualFold(r.String("username"), hint)
		},
		func(r *graph.Resource) bool { return r.String("username") != "" },
		func(r *graph.Resource) bool {
			return r.String("id") != "" && userKeyPattern.MatchString(r.Key)
		},
	}
	for _, pred := range preds {
		if res, ok := g.Find(pred); ok {
			return userFrom(res, hint), res, true
		}
	}
	return models.User{}, nil, false
}

func userFrom(r *graph.Resource, hint string) models.User {
	username := firstNonEmpty(r.String("username"), hint)
	return models.User{
		ID:          firstNonEmpty(r.String("id"), UserIDFromKey(r.Key)),
		Username:    username,
		DisplayName: firstNonEmpty(r.String("display_name"), username),
		AvatarImage: firstNonEmpty(r.String("avatar_image"), r.String("image")),
		Online:      r.Bool("online"),
		Registered:  int64(r.Int("registered")),
		Country:     r.String("country"),
	}
}

// UserIDFromKey はキーやURLからユーザーIDを取り出します
func UserIDFromKey(key string) string {
	all := userKeyPattern.FindAllStringSubmatch(key, -1)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1][1]
}

// CurrentRoomID はユーザーの relations.current_room からルームIDを取り出します
// relationが無いのは「ルームにいない」という通常の状態です
func CurrentRoomID(user *graph.Resource) (string, bool) {
	keys, ok := user.Relation("current_room")
	if !ok || len(keys) == 0 {
		return "", false
	}
	id := RoomIDFromKey(keys[0])
	return id, id != ""
}

// ResolveCurrentRoom はユーザーの現在のルームを、ルーム詳細を取り直して解決します
// ルームにいない場合は (nil, nil) を返します
// 取得に失敗した場合はIDだけのRoomとエラーを返すので、呼び出し側で縮退できます
func (rs *Resolver) ResolveCurrentRoom(ctx context.Context, f RoomFetcher, user *graph.Resource) (*models.Room, error) {
	roomID, ok := CurrentRoomID(user)
	if !ok {
		return nil, nil
	}
	g, err := f.FetchRoom(ctx, roomID)
	if err != nil {
		return &models.Room{ID: roomID, Users: []models.UserRef{}}, err
	}
	room, ok := rs.ResolveRoom(g, roomID)
	if !ok {
		return &models.Room{ID: roomID, Users: []models.UserRef{}}, nil
	}
	room.ID = roomID
	return &room, nil
}

// ResolveFriends はフレンド一覧のGraphからユーザー名を持つリソースを取り出します
// ペイロードの順序を保ち、同じユーザー名は最初の1件だけ残します。self本人は除きます
func ResolveFriends(g *graph.Graph, self string) []models.Friend {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(self)): true}
	friends := []models.Friend{}
	for _, r := range g.Filter(func(r *graph.Resource) bool { return strings.TrimSpace(r.String("username")) != "" }) {
		username := r.String("username")
		if seen[strings.ToLower(username)] {
			continue
		}
		seen[strings.ToLower(username)] = true
		friends = append(friends, models.Friend{
			Username:    username,
			DisplayName: firstNonEmpty(r.String("display_name"), username),
			Online:      r.Bool("online"),
			AvatarImage: firstNonEmpty(r.String("avatar_image"), r.String("image")),
		})
	}
	return friends
}
