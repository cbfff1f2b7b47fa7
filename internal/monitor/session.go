package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/SteamVC/RoomWatch/internal/graph"
	"github.com/SteamVC/RoomWatch/internal/idgen"
	"github.com/SteamVC/RoomWatch/internal/imvu"
	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/SteamVC/RoomWatch/internal/resolve"
)

// DefaultInterval はポーリングの既定の間隔です
const DefaultInterval = 30 * time.Second

// State は監視セッションの状態です
type State int

const (
	Starting State = iota
	Polling
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Fetcher はアップストリームのユーザー検索とルーム詳細の取得を行います
type Fetcher interface {
	FetchUserByName(ctx context.Context, username string) (*graph.Graph, error)
	resolve.RoomFetcher
}

// Options は監視セッションの設定です
type Options struct {
	Interval time.Duration     // ポーリング間隔（0なら DefaultInterval）
	Resolver *resolve.Resolver // nilなら resolve.Default()
	Logger   *slog.Logger      // nilなら slog.Default()

	// テストで時間を差し替えるためのフック
	After func(time.Duration) <-chan time.Time
	Now   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Resolver == nil {
		o.Resolver = resolve.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.After == nil {
		o.After = time.After
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Session は1ユーザー分の監視です
// 前回のスナップショットを持ち、次のポーリングは前回の処理が終わってから予約します
type Session struct {
	username string
	fetcher  Fetcher
	sink     Sink
	opts     Options
	log      *slog.Logger

	mu    sync.RWMutex
	state State
	prev  *models.PresenceSnapshot
}

// NewSession は監視セッションを作成します。Runを呼ぶまでポーリングは始まりません
func NewSession(username string, f Fetcher, sink Sink, opts Options) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUsernameRequired
	}
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	opts = opts.withDefaults()
	return &Session{
		username: username,
		fetcher:  f,
		sink:     sink,
		opts:     opts,
		log:      opts.Logger.With("username", username),
		state:    Starting,
	}, nil
}

// Username は監視対象のユーザー名を返します
func (s *Session) Username() string { return s.username }

// State は現在の状態を返します
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Last は直近のスナップショットを返します。まだ一度も成功していなければfalseです
func (s *Session) Last() (models.PresenceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.prev == nil {
		return models.PresenceSnapshot{}, false
	}
	return *s.prev, true
}

// Run はctxがキャンセルされるまでポーリングを続けます
// 最初の1回はすぐに実行し、以降は各回の処理が終わってからInterval待ちます
// Runが戻った後はイベントを通知しません
func (s *Session) Run(ctx context.Context) {
	s.setState(Polling)
	s.log.Info("monitor started", "interval", s.opts.Interval)
	defer func() {
		s.mu.Lock()
		s.state = Stopped
		s.prev = nil
		s.mu.Unlock()
		s.log.Info("monitor stopped")
	}()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.opts.After(s.opts.Interval):
		}
	}
}

// Tick はポーリングを1回実行します
// 失敗した場合はerrorイベントを通知し、前回のスナップショットは変更しません
func (s *Session) Tick(ctx context.Context) {
	snap, err := s.poll(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.Warn("presence poll failed", "err", err)
		s.emit(Event{Type: EventError, Status: imvu.StatusCode(err), Message: err.Error()})
		return
	}

	s.mu.Lock()
	prev := s.prev
	s.prev = &snap
	s.mu.Unlock()

	for _, c := range Diff(prev, snap) {
		s.log.Info("presence change", "type", c.Type, "direction", c.Direction, "roomId", snap.RoomID())
		s.emit(Event{Type: c.Type, Direction: c.Direction, From: c.From, To: c.To})
	}
	s.emit(Event{Type: EventPresence, Snapshot: &snap})
}

// poll はユーザーを取得してスナップショットを組み立てます
// ルーム詳細の取得に失敗してもIDだけのルームで続行します
func (s *Session) poll(ctx context.Context) (models.PresenceSnapshot, error) {
	g, err := s.fetcher.FetchUserByName(ctx, s.username)
	if err != nil {
		return models.PresenceSnapshot{}, err
	}
	user, res, ok := resolve.ResolveUser(g, s.username)
	if !ok {
		return models.PresenceSnapshot{}, fmt.Errorf("%w: %s", ErrUserNotFound, s.username)
	}

	snap := models.PresenceSnapshot{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		AvatarImage: user.AvatarImage,
		Online:      user.Online,
		RoomUsers:   []string{},
		Timestamp:   s.opts.Now().UTC(),
	}

	room, err := s.opts.Resolver.ResolveCurrentRoom(ctx, s.fetcher, res)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return models.PresenceSnapshot{}, err
		}
		s.log.Warn("room detail unavailable", "err", err)
	}
	if room != nil {
		ref := room.Ref()
		snap.CurrentRoom = &ref
		for _, u := range room.Users {
			snap.RoomUsers = append(snap.RoomUsers, u.Username)
		}
	}
	return snap, nil
}

func (s *Session) emit(e Event) {
	now := s.opts.Now()
	e.ID = idgen.NewULIDAt(now)
	e.Username = s.username
	e.Timestamp = now.UTC()
	s.sink.Emit(e)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
