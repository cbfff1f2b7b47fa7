package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SteamVC/RoomWatch/internal/imvu"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var creds = imvu.Session{Sauce: "sauce", CID: "360"}

type fakeUpstream struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []map[string]any
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (u *fakeUpstream) ReadMessage() (int, []byte, error) {
	select {
	case p, ok := <-u.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, p, nil
	case <-u.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (u *fakeUpstream) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.written = append(u.written, m)
	return nil
}

func (u *fakeUpstream) Close() error {
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUpstream) frames() []map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]map[string]any(nil), u.written...)
}

func (u *fakeUpstream) isClosed() bool {
	select {
	case <-u.closed:
		return true
	default:
		return false
	}
}

type fakeSink struct {
	events  chan Event
	sendErr error

	mu     sync.Mutex
	closed bool
}

func newFakeSink() *fakeSink { return &fakeSink{events: make(chan Event, 16)} }

func (s *fakeSink) Send(e Event) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events <- e
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func wait(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish")
	}
}

func staticDialer(up Upstream) Dialer {
	return DialerFunc(func(context.Context) (Upstream, error) { return up, nil })
}

func TestSession_HandshakeAndForwarding(t *testing.T) {
	up := newFakeUpstream()
	m := NewManager(staticDialer(up), creds, nil)
	sink := newFakeSink()

	s, err := m.Subscribe(context.Background(), "42", sink)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	// 購読前のメッセージは転送されない
	up.in <- []byte(`{"type": "msg_g2c_recv_message", "data": {"text": "too early"}}`)
	up.in <- []byte(`{"type": "msg_g2c_result", "data": {}}`)
	up.in <- []byte(`{"type": "msg_g2c_recv_message", "data": {"text": "hi"}}`)
	up.in <- []byte(`{"type": "msg_g2c_something_new", "data": {}}`)
	up.in <- []byte(`not json`)
	up.in <- []byte(`{"type": "msg_g2c_state_change", "data": {"seat": 3}}`)

	assert.Equal(t, Event{Type: EventConnected, RoomID: "42"}, sink.next(t))

	msg := sink.next(t)
	assert.Equal(t, EventMessage, msg.Type)
	assert.JSONEq(t, `{"text": "hi"}`, string(msg.Data))

	st := sink.next(t)
	assert.Equal(t, EventState, st.Type)
	assert.JSONEq(t, `{"seat": 3}`, string(st.Data))
	assert.Equal(t, Subscribed, s.State())

	frames := up.frames()
	require.Len(t, frames, 3)
	assert.Equal(t, map[string]any{
		"type": "msg_c2g_connect",
		"data": map[string]any{"user_id": "360", "cookie": "sauce", "metadata": map[string]any{}},
	}, frames[0])
	assert.Equal(t, map[string]any{"type": "msg_c2g_open_floodgates", "data": map[string]any{}}, frames[1])
	assert.Equal(t, map[string]any{"type": "msg_c2g_subscribe", "data": []any{"room-42"}}, frames[2])

	assert.Equal(t, []string{"42"}, m.Active())
	assert.True(t, m.Unsubscribe("42"))
	assert.True(t, up.isClosed())
	assert.True(t, sink.isClosed())
	assert.Equal(t, Closed, s.State())
	assert.NoError(t, s.Err())
	assert.Empty(t, m.Active())
	assert.Empty(t, sink.events)
}

func TestSession_AuthFailureIsTerminal(t *testing.T) {
	up := newFakeUpstream()
	m := NewManager(staticDialer(up), creds, nil)
	sink := newFakeSink()

	s, err := m.Subscribe(context.Background(), "42", sink)
	require.NoError(t, err)
	up.in <- []byte(`{"type": "msg_g2c_result", "data": {"error": "bad cookie"}}`)
	up.in <- []byte(`{"type": "msg_g2c_recv_message", "data": {}}`)

	assert.Equal(t, Event{Type: EventError, Message: "IMQ authentication failed"}, sink.next(t))
	wait(t, s)

	assert.Equal(t, Failed, s.State())
	assert.ErrorIs(t, s.Err(), ErrAuthFailed)
	assert.True(t, up.isClosed())
	assert.True(t, sink.isClosed())
	assert.Empty(t, sink.events)
	assert.Len(t, up.frames(), 1)
	assert.Empty(t, m.Active())
}

func TestSession_UpstreamCloseClosesDownstream(t *testing.T) {
	up := newFakeUpstream()
	m := NewManager(staticDialer(up), creds, nil)
	sink := newFakeSink()

	s, err := m.Subscribe(context.Background(), "7", sink)
	require.NoError(t, err)
	up.in <- []byte(`{"type": "msg_g2c_result", "data": {"error": ""}}`)
	assert.Equal(t, EventConnected, sink.next(t).Type)

	close(up.in)
	assert.Equal(t, Event{Type: EventError, Message: "IMQ connection error"}, sink.next(t))
	wait(t, s)

	assert.Equal(t, Closed, s.State())
	assert.Error(t, s.Err())
	assert.True(t, sink.isClosed())
}

func TestSession_DownstreamSendFailureClosesUpstream(t *testing.T) {
	up := newFakeUpstream()
	m := NewManager(staticDialer(up), creds, nil)
	sink := newFakeSink()
	sink.sendErr = errors.New("broken pipe")

	s, err := m.Subscribe(context.Background(), "7", sink)
	require.NoError(t, err)
	up.in <- []byte(`{"type": "msg_g2c_result", "data": {}}`)
	wait(t, s)

	assert.True(t, up.isClosed())
	assert.NoError(t, s.Err())
}

func TestSession_DialFailure(t *testing.T) {
	d := DialerFunc(func(context.Context) (Upstream, error) { return nil, errors.New("refused") })
	m := NewManager(d, creds, nil)
	sink := newFakeSink()

	s, err := m.Subscribe(context.Background(), "7", sink)
	require.NoError(t, err)
	assert.Equal(t, EventError, sink.next(t).Type)
	wait(t, s)
	assert.True(t, sink.isClosed())
	assert.EqualError(t, s.Err(), "refused")
}

func TestSession_ContextCancelEndsQuietly(t *testing.T) {
	up := newFakeUpstream()
	m := NewManager(staticDialer(up), creds, nil)
	sink := newFakeSink()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Subscribe(ctx, "7", sink)
	require.NoError(t, err)
	cancel()
	wait(t, s)

	assert.True(t, up.isClosed())
	assert.NoError(t, s.Err())
	assert.Empty(t, sink.events)
}

func TestManager_OneSessionPerRoom(t *testing.T) {
	d := DialerFunc(func(context.Context) (Upstream, error) { return newFakeUpstream(), nil })
	m := NewManager(d, creds, nil)

	_, err := m.Subscribe(context.Background(), "42", newFakeSink())
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), " 42 ", newFakeSink())
	assert.ErrorIs(t, err, ErrRoomBusy)

	_, err = m.Subscribe(context.Background(), "43", newFakeSink())
	require.NoError(t, err)
	assert.Equal(t, []string{"42", "43"}, m.Active())

	assert.True(t, m.Unsubscribe("42"))
	assert.False(t, m.Unsubscribe("42"))

	s, err := m.Subscribe(context.Background(), "42", newFakeSink())
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	wait(t, s)
	assert.Empty(t, m.Active())
}

func TestManager_RejectsMisuseBeforeDial(t *testing.T) {
	dialed := false
	d := DialerFunc(func(context.Context) (Upstream, error) {
		dialed = true
		return newFakeUpstream(), nil
	})

	_, err := NewManager(d, creds, nil).Subscribe(context.Background(), "  ", newFakeSink())
	assert.ErrorIs(t, err, ErrRoomIDRequired)

	_, err = NewManager(d, imvu.Session{}, nil).Subscribe(context.Background(), "42", newFakeSink())
	assert.ErrorIs(t, err, imvu.ErrMissingSession)

	assert.False(t, dialed)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want input
	}{
		{"auth ok empty data", `{"type": "msg_g2c_result", "data": {}}`, inAuthOK},
		{"auth ok no data", `{"type": "msg_g2c_result"}`, inAuthOK},
		{"auth ok false error", `{"type": "msg_g2c_result", "data": {"error": false}}`, inAuthOK},
		{"auth failed string", `{"type": "msg_g2c_result", "data": {"error": "nope"}}`, inAuthFailed},
		{"auth failed object", `{"type": "msg_g2c_result", "data": {"error": {"code": 1}}}`, inAuthFailed},
		{"message", `{"type": "msg_g2c_recv_message", "data": {}}`, inMessage},
		{"state", `{"type": "msg_g2c_state_change", "data": {}}`, inState},
		{"unknown", `{"type": "msg_g2c_future"}`, inUnknown},
		{"garbage", `{{`, inUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify([]byte(tc.in)).kind)
		})
	}
}

func TestTransitions_IllegalPairsAreNoops(t *testing.T) {
	for _, st := range []State{Connecting, Authenticating, Closed, Failed} {
		_, ok := lookup(st, inMessage)
		assert.False(t, ok, st.String())
		_, ok = lookup(st, inState)
		assert.False(t, ok, st.String())
	}
	_, ok := lookup(Subscribed, inAuthOK)
	assert.False(t, ok)
	_, ok = lookup(Subscribed, inUnknown)
	assert.False(t, ok)
}

// fakeIMQ はメッセージキューの最小限のサーバーです
func fakeIMQ(authOK bool) *httptest.Server {
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var connect map[string]any
		if err := conn.ReadJSON(&connect); err != nil || connect["type"] != FrameConnect {
			return
		}
		if !authOK {
			conn.WriteJSON(map[string]any{"type": FrameResult, "data": map[string]any{"error": "denied"}})
			conn.ReadMessage()
			return
		}
		conn.WriteJSON(map[string]any{"type": FrameResult, "data": map[string]any{}})
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		conn.WriteJSON(map[string]any{"type": FrameRecvMessage, "data": map[string]any{"text": "hello"}})
		conn.ReadMessage()
	}))
}

func TestWSDialer_EndToEnd(t *testing.T) {
	srv := fakeIMQ(true)
	defer srv.Close()

	d := WSDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	m := NewManager(d, creds, nil)
	sink := newFakeSink()

	s, err := m.Subscribe(context.Background(), "105959787-406", sink)
	require.NoError(t, err)

	assert.Equal(t, Event{Type: EventConnected, RoomID: "105959787-406"}, sink.next(t))
	msg := sink.next(t)
	assert.Equal(t, EventMessage, msg.Type)
	assert.JSONEq(t, `{"text": "hello"}`, string(msg.Data))

	m.Unsubscribe("105959787-406")
	wait(t, s)
}

func TestWSDialer_AuthRejected(t *testing.T) {
	srv := fakeIMQ(false)
	defer srv.Close()

	m := NewManager(WSDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, creds, nil)
	sink := newFakeSink()

	s, err := m.Subscribe(context.Background(), "1", sink)
	require.NoError(t, err)
	assert.Equal(t, EventError, sink.next(t).Type)
	wait(t, s)
	assert.Equal(t, Failed, s.State())
}
