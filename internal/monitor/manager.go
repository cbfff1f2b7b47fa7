package monitor

import (
	"context"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync"
)

type running struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager はユーザー名ごとの監視セッションを管理します
// 登録表を変更するのはStart/Stopだけで、ポーリング側からは触りません
type Manager struct {
	fetcher  Fetcher
	opts     Options
	sessions *xsync.MapOf[string, *running]
}

// NewManager は新しいManagerを作成します
func NewManager(f Fetcher, opts Options) *Manager {
	return &Manager{
		fetcher:  f,
		opts:     opts.withDefaults(),
		sessions: xsync.NewMapOf[*running](),
	}
}

// key はユーザー名の大文字小文字を区別せずに登録表を引くためのキーです
func key(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Start はユーザーの監視を開始します
// 既に監視中なら ErrAlreadyMonitoring を返します
func (m *Manager) Start(username string, sink Sink) (*Session, error) {
	s, err := NewSession(username, m.fetcher, sink, m.opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{session: s, cancel: cancel, done: make(chan struct{})}
	if _, loaded := m.sessions.LoadOrStore(key(username), r); loaded {
		cancel()
		return nil, ErrAlreadyMonitoring
	}

	go func() {
		defer close(r.done)
		s.Run(ctx)
	}()
	return s, nil
}

// Run は登録表に載せない監視をctxが終わるまで実行します
// WebSocket接続ごとの監視のように、呼び出し側が寿命を管理する場合に使います
func (m *Manager) Run(ctx context.Context, username string, sink Sink) error {
	s, err := NewSession(username, m.fetcher, sink, m.opts)
	if err != nil {
		return err
	}
	s.Run(ctx)
	return nil
}

// Stop はユーザーの監視を止め、ループが終わるまで待ちます
// Stopが戻った後、そのセッションからイベントは届きません
func (m *Manager) Stop(username string) bool {
	r, ok := m.sessions.LoadAndDelete(key(username))
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// Get は監視中のセッションを返します
func (m *Manager) Get(username string) (*Session, bool) {
	r, ok := m.sessions.Load(key(username))
	if !ok {
		return nil, false
	}
	return r.session, true
}

// List は監視中のユーザー名をソートして返します
func (m *Manager) List() []string {
	names := make([]string, 0, m.sessions.Size())
	m.sessions.Range(func(_ string, r *running) bool {
		names = append(names, r.session.Username())
		return true
	})
	sort.Strings(names)
	return names
}

// Shutdown はすべての監視を止めます
func (m *Manager) Shutdown(ctx context.Context) error {
	var keys []string
	m.sessions.Range(func(k string, _ *running) bool {
		keys = append(keys, k)
		return true
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, k := range keys {
			m.Stop(k)
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
