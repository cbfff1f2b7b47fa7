package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SteamVC/RoomWatch/internal/graph"
	"github.com/SteamVC/RoomWatch/internal/imvu"
	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/SteamVC/RoomWatch/internal/resolve"
	"golang.org/x/sync/errgroup"
)

const (
	historyLimit  = 5   // 履歴の最大件数
	activityLimit = 50  // アクティビティの取得件数
	friendsLimit  = 100 // フレンド一覧の取得件数
)

// UserAPI はユーザー関連のアップストリームです
type UserAPI interface {
	FetchUserByName(ctx context.Context, username string) (*graph.Graph, error)
	FetchRoom(ctx context.Context, roomID string) (*graph.Graph, error)
	FetchActivity(ctx context.Context, userID string, limit int) (*graph.Graph, error)
	FetchRecentRooms(ctx context.Context, userID string, limit int) (*graph.Graph, error)
	FetchFriends(ctx context.Context, userID string, limit int) (*graph.Graph, error)
}

// UserService はユーザー検索と履歴のビジネスロジックを提供します
type UserService struct {
	api UserAPI
	rs  *resolve.Resolver
	log *slog.Logger
	now func() time.Time
}

// NewUserService は新しいUserServiceを作成します
func NewUserService(api UserAPI, rs *resolve.Resolver, log *slog.Logger) *UserService {
	if rs == nil {
		rs = resolve.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &UserService{api: api, rs: rs, log: log, now: time.Now}
}

// Lookup はユーザーと現在のルーム、フレンド一覧を取得します
// ルーム詳細の取得に失敗した場合はIDだけのルームを返します
// フレンド一覧の取得に失敗した場合は空の一覧を返します
func (s *UserService) Lookup(ctx context.Context, username string) (models.UserDetail, error) {
	user, res, err := s.findUser(ctx, username)
	if err != nil {
		return models.UserDetail{}, err
	}
	d := models.UserDetail{User: user, Friends: []models.Friend{}}

	var eg errgroup.Group
	eg.Go(func() error {
		room, err := s.rs.ResolveCurrentRoom(ctx, s.api, res)
		if err != nil {
			s.log.Warn("current room detail unavailable", "username", user.Username, "err", err)
		}
		d.CurrentRoom = room
		return nil
	})
	eg.Go(func() error {
		friends, err := s.friends(ctx, user)
		if err != nil {
			s.log.Warn("friends unavailable", "username", user.Username, "err", err)
			return nil
		}
		d.Friends = friends
		return nil
	})
	_ = eg.Wait()
	return d, nil
}

func (s *UserService) friends(ctx context.Context, user models.User) ([]models.Friend, error) {
	if user.ID == "" {
		return []models.Friend{}, nil
	}
	g, err := s.api.FetchFriends(ctx, user.ID, friendsLimit)
	if err != nil {
		return nil, err
	}
	return resolve.ResolveFriends(g, user.Username), nil
}

// History はユーザーの最近のルームを取得します
// 処理の流れ:
// 1. 現在のルームがあれば、それを履歴の1件目にする
// 2. 無ければアクティビティからルーム訪問を集め、新しい5件の詳細を取得する
// 3. それでも空なら recent_rooms を使う
func (s *UserService) History(ctx context.Context, username string) (models.UserHistory, error) {
	user, res, err := s.findUser(ctx, username)
	if err != nil {
		return models.UserHistory{}, err
	}
	if user.ID == "" {
		return models.UserHistory{}, fmt.Errorf("%w: %s has no id", ErrUserNotFound, username)
	}
	log := s.log.With("username", user.Username)

	h := models.UserHistory{User: user, Rooms: []models.RoomVisit{}}

	// 詳細が取れなかった現在のルームはIDだけ返し、履歴には入れない
	room, err := s.rs.ResolveCurrentRoom(ctx, s.api, res)
	if room != nil {
		ref := room.Ref()
		h.CurrentRoom = &ref
	}
	if err != nil {
		log.Warn("current room detail unavailable", "err", err)
	} else if room != nil {
		h.Rooms = append(h.Rooms, visitFrom(*room, s.now()))
	}

	if len(h.Rooms) == 0 {
		visits, err := s.fromActivity(ctx, user.ID)
		if err != nil {
			log.Warn("activity unavailable", "err", err)
		}
		h.Rooms = append(h.Rooms, visits...)
	}

	if len(h.Rooms) == 0 {
		visits, err := s.fromRecentRooms(ctx, user.ID)
		if err != nil {
			log.Warn("recent rooms unavailable", "err", err)
		}
		h.Rooms = append(h.Rooms, visits...)
	}

	if len(h.Rooms) > historyLimit {
		h.Rooms = h.Rooms[:historyLimit]
	}
	return h, nil
}

func (s *UserService) findUser(ctx context.Context, username string) (models.User, *graph.Resource, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, nil, ErrUsernameRequired
	}
	g, err := s.api.FetchUserByName(ctx, username)
	if errors.Is(err, imvu.ErrNotFound) {
		return models.User{}, nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return models.User{}, nil, err
	}
	user, res, ok := resolve.ResolveUser(g, username)
	if !ok {
		return models.User{}, nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return user, res, nil
}

type activityVisit struct {
	roomID string
	at     time.Time
}

// fromActivity はアクティビティからルーム訪問を集めます
// 同じルームは最新の1件だけを残し、新しい順に最大5件の詳細を取得します
func (s *UserService) fromActivity(ctx context.Context, userID string) ([]models.RoomVisit, error) {
	g, err := s.api.FetchActivity(ctx, userID, activityLimit)
	if err != nil {
		return nil, err
	}

	now := s.now()
	latest := map[string]activityVisit{}
	for _, key := range g.Keys() {
		res, _ := g.Lookup(key)
		roomID := activityRoomID(res)
		if roomID == "" {
			continue
		}
		v := activityVisit{roomID: roomID, at: visitTime(res, now)}
		if prev, ok := latest[roomID]; !ok || v.at.After(prev.at) {
			latest[roomID] = v
		}
	}

	visits := make([]activityVisit, 0, len(latest))
	for _, v := range latest {
		visits = append(visits, v)
	}
	sort.Slice(visits, func(i, j int) bool {
		if visits[i].at.Equal(visits[j].at) {
			return visits[i].roomID < visits[j].roomID
		}
		return visits[i].at.After(visits[j].at)
	})
	if len(visits) > historyLimit {
		visits = visits[:historyLimit]
	}

	// 詳細は並行して取得し、順序は訪問の新しい順を保つ
	found := make([]*models.RoomVisit, len(visits))
	eg, ectx := errgroup.WithContext(ctx)
	for i, v := range visits {
		eg.Go(func() error {
			dg, err := s.api.FetchRoom(ectx, v.roomID)
			if err != nil {
				s.log.Debug("room detail unavailable", "roomId", v.roomID, "err", err)
				return nil
			}
			room, ok := s.rs.ResolveRoom(dg, v.roomID)
			if !ok {
				return nil
			}
			room.ID = v.roomID
			visit := visitFrom(room, v.at)
			found[i] = &visit
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.RoomVisit, 0, len(found))
	for _, v := range found {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out, nil
}

// activityRoomID はアクティビティ1件からルームIDを取り出します
// relations.room / data.room / data.current_room の順に探します
func activityRoomID(res *graph.Resource) string {
	if keys, ok := res.Relation("room"); ok && len(keys) > 0 {
		if id := resolve.RoomIDFromKey(keys[0]); id != "" {
			return id
		}
	}
	for _, field := range []string{"room", "current_room"} {
		if id := resolve.RoomIDFromKey(res.String(field)); id != "" {
			return id
		}
	}
	return ""
}

// fromRecentRooms は recent_rooms のルームをそのまま履歴にします
func (s *UserService) fromRecentRooms(ctx context.Context, userID string) ([]models.RoomVisit, error) {
	g, err := s.api.FetchRecentRooms(ctx, userID, historyLimit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []models.RoomVisit
	for _, res := range g.Filter(func(r *graph.Resource) bool {
		return strings.Contains(r.Key, "/room/room-") && r.Data() != nil
	}) {
		room := s.rs.RoomFromResource(g, res)
		room.ID = resolve.RoomIDFromKey(res.Key)
		out = append(out, visitFrom(room, visitTime(res, now)))
	}
	return out, nil
}

func visitFrom(room models.Room, at time.Time) models.RoomVisit {
	return models.RoomVisit{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		Privacy:     room.Privacy,
		Rating:      room.Rating,
		VisitedAt:   at.UTC(),
	}
}

// visitTime は data.created / data.updated から時刻を読みます
// 数値はUnix秒（10^12を超えればミリ秒）、文字列はRFC3339として扱い、読めなければfallbackを返します
func visitTime(res *graph.Resource, fallback time.Time) time.Time {
	for _, field := range []string{"created", "updated"} {
		if t, ok := parseTime(res.Field(field)); ok {
			return t
		}
	}
	return fallback
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return unixTime(int64(t)), t > 0
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return unixTime(n), true
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
