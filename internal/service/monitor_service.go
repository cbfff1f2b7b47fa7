package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/SteamVC/RoomWatch/internal/monitor"
	"github.com/SteamVC/RoomWatch/internal/repo"
)

// saveTimeout はイベントごとの保存処理のタイムアウト
const saveTimeout = 5 * time.Second

// Monitors は監視セッションの登録表です（monitor.Manager が満たします）
type Monitors interface {
	Start(username string, sink monitor.Sink) (*monitor.Session, error)
	Stop(username string) bool
	Get(username string) (*monitor.Session, bool)
	List() []string
	Run(ctx context.Context, username string, sink monitor.Sink) error
}

// MonitorService はプレゼンス監視のビジネスロジックを提供します
// REST APIから開始した監視はリポジトリに保存され、再起動時に復元されます
type MonitorService struct {
	mons   Monitors          // 監視セッションの登録表
	repo   repo.PresenceRepo // 監視リストと最新プレゼンスの保存先（nilなら永続化なし）
	ttlSec int               // 最新プレゼンスの有効期限（秒）
	log    *slog.Logger
}

// NewMonitorService は新しいMonitorServiceを作成します
func NewMonitorService(m Monitors, r repo.PresenceRepo, ttlSec int, log *slog.Logger) *MonitorService {
	if log == nil {
		log = slog.Default()
	}
	return &MonitorService{mons: m, repo: r, ttlSec: ttlSec, log: log}
}

// Watch はユーザーの監視を開始し、監視リストに保存します
// 保存に失敗した場合は開始した監視を止めます
func (s *MonitorService) Watch(ctx context.Context, username string) (models.MonitorStatus, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.MonitorStatus{}, ErrUsernameRequired
	}

	sess, err := s.mons.Start(username, s.recorder(username))
	if errors.Is(err, monitor.ErrAlreadyMonitoring) {
		return models.MonitorStatus{}, fmt.Errorf("%w: %s", ErrAlreadyWatching, username)
	}
	if err != nil {
		return models.MonitorStatus{}, err
	}

	if s.repo != nil {
		if _, err := s.repo.AddWatch(ctx, username); err != nil {
			s.mons.Stop(username)
			return models.MonitorStatus{}, err
		}
	}
	s.log.Info("monitor registered", "username", username)
	return models.MonitorStatus{Username: sess.Username(), State: sess.State().String()}, nil
}

// Unwatch はユーザーの監視を止め、監視リストと保存済みプレゼンスを削除します
func (s *MonitorService) Unwatch(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrUsernameRequired
	}
	stopped := s.mons.Stop(username)
	removed := false
	if s.repo != nil {
		var err error
		if removed, err = s.repo.RemoveWatch(ctx, username); err != nil {
			return err
		}
	}
	if !stopped && !removed {
		return fmt.Errorf("%w: %s", ErrNotWatching, username)
	}
	s.log.Info("monitor unregistered", "username", username)
	return nil
}

// Status は監視中ユーザーの状態と最後に観測したプレゼンスを返します
// 実行中のセッションが持つスナップショットを優先し、無ければ保存済みのものを使います
// 監視リストに残っているのにセッションが動いていない場合は stopped を返します
func (s *MonitorService) Status(ctx context.Context, username string) (models.MonitorStatus, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.MonitorStatus{}, ErrUsernameRequired
	}

	sess, running := s.mons.Get(username)
	if !running {
		watched := false
		if s.repo != nil {
			var err error
			if watched, err = s.repo.IsWatched(ctx, username); err != nil {
				return models.MonitorStatus{}, err
			}
		}
		if !watched {
			return models.MonitorStatus{}, fmt.Errorf("%w: %s", ErrNotWatching, username)
		}
	}

	st := models.MonitorStatus{Username: username, State: monitor.Stopped.String()}
	if running {
		st.Username, st.State = sess.Username(), sess.State().String()
		if snap, ok := sess.Last(); ok {
			st.Last = &snap
			return st, nil
		}
	}
	if s.repo != nil {
		snap, ok, err := s.repo.GetPresence(ctx, username)
		if err != nil {
			return models.MonitorStatus{}, err
		}
		if ok {
			st.Last = &snap
		}
	}
	return st, nil
}

// List は監視中の全ユーザーの状態を返します
// 保存済みのスナップショットは一括で読み、まだ観測していないセッションの補完に使います
func (s *MonitorService) List(ctx context.Context) ([]models.MonitorStatus, error) {
	saved := map[string]models.PresenceSnapshot{}
	if s.repo != nil {
		snaps, err := s.repo.ListPresence(ctx)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			saved[strings.ToLower(snap.Username)] = snap
		}
	}

	names := s.mons.List()
	out := make([]models.MonitorStatus, 0, len(names))
	for _, name := range names {
		sess, ok := s.mons.Get(name)
		if !ok {
			continue // 列挙中に止められた
		}
		st := models.MonitorStatus{Username: sess.Username(), State: sess.State().String()}
		if snap, ok := sess.Last(); ok {
			st.Last = &snap
		} else if snap, ok := saved[strings.ToLower(name)]; ok {
			st.Last = &snap
		}
		out = append(out, st)
	}
	return out, nil
}

// Restore は保存されている監視リストから監視を再開します
// 再開できた件数を返します
func (s *MonitorService) Restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	names, err := s.repo.ListWatch(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		if _, err := s.mons.Start(name, s.recorder(name)); err != nil {
			s.log.Warn("monitor restore skipped", "username", name, "err", err)
			continue
		}
		n++
	}
	s.log.Info("monitors restored", "count", n)
	return n, nil
}

// Stream は登録表に載せない監視をctxが終わるまで実行し、イベントをsinkへ流します
// WebSocket接続ごとの監視に使います
func (s *MonitorService) Stream(ctx context.Context, username string, sink monitor.Sink) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrUsernameRequired
	}
	return s.mons.Run(ctx, username, sink)
}

// recorder は監視リストから始めた監視のSinkです
// プレゼンスをリポジトリに保存し、変化をログに出します
func (s *MonitorService) recorder(username string) monitor.Sink {
	sinks := monitor.MultiSink{s.eventLogger(username)}
	if s.repo != nil {
		sinks = append(monitor.MultiSink{s.presenceSaver(username)}, sinks...)
	}
	return sinks
}

func (s *MonitorService) presenceSaver(username string) monitor.Sink {
	log := s.log.With("username", username)
	return monitor.SinkFunc(func(e monitor.Event) {
		if e.Type != monitor.EventPresence || e.Snapshot == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		snap := *e.Snapshot
		snap.Username = username
		if err := s.repo.SavePresence(ctx, snap, s.ttlSec); err != nil {
			log.Warn("presence save failed", "err", err)
		}
	})
}

func (s *MonitorService) eventLogger(username string) monitor.Sink {
	log := s.log.With("username", username)
	return monitor.SinkFunc(func(e monitor.Event) {
		switch e.Type {
		case monitor.EventPresenceChanged:
			log.Info("presence changed", "direction", e.Direction)
		case monitor.EventRoomChanged:
			log.Info("room changed", "from", roomID(e.From), "to", roomID(e.To))
		case monitor.EventError:
			log.Warn("presence poll error", "status", e.Status, "err", e.Message)
		}
	})
}

func roomID(r *models.RoomRef) string {
	if r == nil {
		return ""
	}
	return r.ID
}
