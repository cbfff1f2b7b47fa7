package relay

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/SteamVC/RoomWatch/internal/imvu"
	"github.com/puzpuzpuz/xsync"
)

// Manager はルームIDごとのリレーセッションを管理します
// 同じルームを同時に購読できるのは1セッションだけです
type Manager struct {
	dialer   Dialer
	creds    imvu.Session
	log      *slog.Logger
	sessions *xsync.MapOf[string, *Session]
}

// NewManager は新しいManagerを作成します
func NewManager(d Dialer, creds imvu.Session, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		dialer:   d,
		creds:    creds,
		log:      log,
		sessions: xsync.NewMapOf[*Session](),
	}
}

// Subscribe はルームの購読を開始します
// 識別子や認証情報が足りない場合は接続前にエラーを返します
// セッションが終わると登録は自動的に解除されます
func (m *Manager) Subscribe(ctx context.Context, roomID string, sink Sink) (*Session, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrRoomIDRequired
	}
	if err := m.creds.Validate(); err != nil {
		return nil, err
	}

	s := newSession(ctx, roomID, m.creds, m.dialer, sink, m.log)
	if _, loaded := m.sessions.LoadOrStore(roomID, s); loaded {
		s.cancel()
		return nil, ErrRoomBusy
	}

	// 登録を消すのは自分自身のrunだけなので、後から来た別セッションを消すことはありません
	s.onExit = func() { m.sessions.Delete(roomID) }
	go s.run()
	return s, nil
}

// Unsubscribe はルームの購読を止め、セッションが終わるまで待ちます
func (m *Manager) Unsubscribe(roomID string) bool {
	s, ok := m.sessions.Load(strings.TrimSpace(roomID))
	if !ok {
		return false
	}
	s.Close()
	<-s.Done()
	return true
}

// Active は購読中のルームIDをソートして返します
func (m *Manager) Active() []string {
	ids := make([]string, 0, m.sessions.Size())
	m.sessions.Range(func(id string, _ *Session) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Shutdown はすべての購読を止めます
func (m *Manager) Shutdown(ctx context.Context) error {
	var all []*Session
	m.sessions.Range(func(_ string, s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		s.Close()
	}
	for _, s := range all {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
