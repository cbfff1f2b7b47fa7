// Package service はビジネスロジックを担当します
// ルームの検索・詳細、ユーザーの検索・履歴、プレゼンス監視の開始・停止を提供します
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SteamVC/RoomWatch/internal/graph"
	"github.com/SteamVC/RoomWatch/internal/imvu"
	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/SteamVC/RoomWatch/internal/resolve"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRoomLimit = 50  // ルーム検索の既定件数
	MaxRoomLimit     = 100 // ルーム検索の最大件数
)

// RoomAPI はルームの検索と詳細取得を行うアップストリームです
type RoomAPI interface {
	SearchRooms(ctx context.Context, query string, limit int) (*graph.Graph, error)
	FetchRoom(ctx context.Context, roomID string) (*graph.Graph, error)
}

// RoomService はルーム閲覧のビジネスロジックを提供します
type RoomService struct {
	api         RoomAPI           // アップストリームAPI
	rs          *resolve.Resolver // ルームの組み立て
	concurrency int               // 詳細取得の同時実行数
	log         *slog.Logger
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(api RoomAPI, rs *resolve.Resolver, concurrency int, log *slog.Logger) *RoomService {
	if rs == nil {
		rs = resolve.Default()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &RoomService{api: api, rs: rs, concurrency: concurrency, log: log}
}

// List は公開ルームを検索します
// 処理の流れ:
// 1. 検索結果のlinksの順にルームの概要を組み立てる
// 2. 各ルームの詳細を並行して取得し、ホスト・参加者・現在の人数を補う
// 詳細の取得に失敗したルームは概要のまま返します
func (s *RoomService) List(ctx context.Context, query string, limit int) ([]models.Room, error) {
	if limit <= 0 {
		limit = DefaultRoomLimit
	}
	if limit > MaxRoomLimit {
		limit = MaxRoomLimit
	}

	g, err := s.api.SearchRooms(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	rooms := s.summaries(g)

	eg := new(errgroup.Group)
	eg.SetLimit(s.concurrency)
	for i := range rooms {
		eg.Go(func() error {
			s.enrich(ctx, &rooms[i])
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

// summaries は検索結果からルームの概要を取り出します
// linksがあればその順に、無ければペイロードの順にルームらしいリソースを拾います
func (s *RoomService) summaries(g *graph.Graph) []models.Room {
	keys := g.Links()
	if len(keys) == 0 {
		keys = make([]string, 0, g.Len())
		for _, r := range g.Filter(func(r *graph.Resource) bool { return resolve.RoomIDFromKey(r.Key) != "" }) {
			keys = append(keys, r.Key)
		}
	}

	rooms := make([]models.Room, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		res, ok := g.Lookup(key)
		if !ok {
			continue
		}
		id := firstNonEmpty(res.String("id"), resolve.RoomIDFromKey(key))
		if id == "" || seen[id] {
			continue
		}
		room := s.rs.RoomFromResource(g, res)
		room.ID = id
		seen[id] = true
		rooms = append(rooms, room)
	}
	return rooms
}

func (s *RoomService) enrich(ctx context.Context, room *models.Room) {
	dg, err := s.api.FetchRoom(ctx, room.ID)
	if err != nil {
		s.log.Debug("room detail unavailable", "roomId", room.ID, "err", err)
		return
	}
	detail, ok := s.rs.ResolveRoom(dg, room.ID)
	if !ok {
		return
	}
	room.CurrentUsers = detail.CurrentUsers
	room.Host = detail.Host
	room.Users = detail.Users
}

// Get はルームの詳細を取得します
func (s *RoomService) Get(ctx context.Context, roomID string) (models.Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return models.Room{}, ErrRoomIDRequired
	}
	g, err := s.api.FetchRoom(ctx, roomID)
	if errors.Is(err, imvu.ErrNotFound) {
		return models.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return models.Room{}, err
	}
	room, ok := s.rs.ResolveRoom(g, roomID)
	if !ok {
		return models.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return room, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
