package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SteamVC/RoomWatch/internal/handlers"
	"github.com/SteamVC/RoomWatch/internal/imvu"
	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/SteamVC/RoomWatch/internal/monitor"
	"github.com/SteamVC/RoomWatch/internal/relay"
	"github.com/SteamVC/RoomWatch/internal/service"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRooms struct {
	rooms []models.Room
	err   error
	query string
	limit int
}

func (f *fakeRooms) List(_ context.Context, query string, limit int) ([]models.Room, error) {
	f.query, f.limit = query, limit
	return f.rooms, f.err
}

func (f *fakeRooms) Get(_ context.Context, roomID string) (models.Room, error) {
	for _, r := range f.rooms {
		if r.ID == roomID {
			return r, nil
		}
	}
	return models.Room{}, fmt.Errorf("%w: %s", service.ErrRoomNotFound, roomID)
}

type fakeUsers struct{}

func (fakeUsers) Lookup(_ context.Context, username string) (models.UserDetail, error) {
	if username != "alice" {
		return models.UserDetail{}, fmt.Errorf("%w: %s", service.ErrUserNotFound, username)
	}
	return models.UserDetail{
		User:    models.User{ID: "100", Username: "alice", Online: true},
		Friends: []models.Friend{{Username: "bob", DisplayName: "Bobby", Online: true}},
	}, nil
}

func (fakeUsers) History(_ context.Context, username string) (models.UserHistory, error) {
	if username == "limited" {
		return models.UserHistory{}, &imvu.StatusError{Op: "fetch user", StatusCode: http.StatusTooManyRequests}
	}
	return models.UserHistory{
		User:  models.User{ID: "100", Username: username},
		Rooms: []models.RoomVisit{{ID: "42", Name: "Lounge"}},
	}, nil
}

type fakeMonitors struct {
	mu      sync.Mutex
	watched map[string]bool

	streamDone chan struct{}
}

func newFakeMonitors() *fakeMonitors {
	return &fakeMonitors{watched: map[string]bool{}, streamDone: make(chan struct{})}
}

func (f *fakeMonitors) Watch(_ context.Context, username string) (models.MonitorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watched[username] {
		return models.MonitorStatus{}, service.ErrAlreadyWatching
	}
	f.watched[username] = true
	return models.MonitorStatus{Username: username, State: "starting"}, nil
}

func (f *fakeMonitors) Unwatch(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.watched[username] {
		return service.ErrNotWatching
	}
	delete(f.watched, username)
	return nil
}

func (f *fakeMonitors) Status(_ context.Context, username string) (models.MonitorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.watched[username] {
		return models.MonitorStatus{}, service.ErrNotWatching
	}
	return models.MonitorStatus{Username: username, State: "polling"}, nil
}

func (f *fakeMonitors) List(context.Context) ([]models.MonitorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.MonitorStatus{}
	for name := range f.watched {
		out = append(out, models.MonitorStatus{Username: name, State: "polling"})
	}
	return out, nil
}

func (f *fakeMonitors) Stream(ctx context.Context, username string, sink monitor.Sink) error {
	defer close(f.streamDone)
	sink.Emit(monitor.Event{
		Type:     monitor.EventPresence,
		Username: username,
		Snapshot: &models.PresenceSnapshot{Username: username, Online: true, RoomUsers: []string{}},
	})
	<-ctx.Done()
	return nil
}

// testUpstream はメッセージキューの代わりです
type testUpstream struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newTestUpstream() *testUpstream {
	return &testUpstream{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (u *testUpstream) ReadMessage() (int, []byte, error) {
	select {
	case p := <-u.in:
		return websocket.TextMessage, p, nil
	case <-u.closed:
		return 0, nil, errors.New("closed")
	}
}

func (u *testUpstream) WriteJSON(any) error { return nil }

func (u *testUpstream) Close() error {
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

type testEnv struct {
	srv      *httptest.Server
	rooms    *fakeRooms
	monitors *fakeMonitors
	upstream *testUpstream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		rooms: &fakeRooms{rooms: []models.Room{
			{ID: "1", Name: "First", Users: []models.UserRef{}},
			{ID: "105959787-406", Name: "Composite", Users: []models.UserRef{}},
		}},
		monitors: newFakeMonitors(),
		upstream: newTestUpstream(),
	}
	up := env.upstream
	relays := relay.NewManager(relay.DialerFunc(func(context.Context) (relay.Upstream, error) {
		return up, nil
	}), imvu.Session{Sauce: "sauce", CID: "360"}, nil)

	router := NewRouter(Handlers{
		Rooms:    handlers.NewRoomHandler(env.rooms),
		Users:    handlers.NewUserHandler(fakeUsers{}),
		Monitors: handlers.NewMonitorHandler(env.monitors, nil),
		Chat:     handlers.NewChatHandler(relays, nil),
	}, []string{"http://localhost:5173"})

	env.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		env.srv.Close()
		relays.Shutdown(context.Background())
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/api/v1/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRooms(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/v1/rooms?q=chill&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "chill", env.rooms.query)
	assert.Equal(t, 10, env.rooms.limit)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/rooms?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/rooms/105959787-406", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	room := body["room"].(map[string]any)
	assert.Equal(t, "Composite", room["name"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/rooms/999", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRooms_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.rooms.err = &imvu.StatusError{Op: "search rooms", StatusCode: http.StatusServiceUnavailable}

	resp, body := env.do(t, http.MethodGet, "/api/v1/rooms", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, float64(http.StatusServiceUnavailable), body["status"])
}

func TestUsers(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/v1/users/alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := body["user"].(map[string]any)
	assert.Equal(t, "100", user["id"])
	assert.Nil(t, user["currentRoom"])
	friends := user["friends"].([]any)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].(map[string]any)["username"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/users/nobody", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/users/alice/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["rooms"], 1)

	resp, body = env.do(t, http.MethodGet, "/api/v1/users/limited/history", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, float64(http.StatusTooManyRequests), body["status"])
}

func TestMonitors(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/monitors", `{"username":"alice"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/v1/monitors", `{"username":"alice"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/v1/monitors", `{"username":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/v1/monitors", `{"user":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/v1/monitors", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["monitors"], 1)

	resp, body = env.do(t, http.MethodGet, "/api/v1/monitors/alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "polling", body["monitor"].(map[string]any)["state"])

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/monitors/alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/v1/monitors/alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/v1/monitors/alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMonitorStream(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/api/v1/monitors/alice/ws")

	var ev monitor.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, monitor.EventPresence, ev.Type)
	require.NotNil(t, ev.Snapshot)
	assert.True(t, ev.Snapshot.Online)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	conn.Close()
	select {
	case <-env.monitors.streamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor kept running after the connection closed")
	}
}

func TestChatRelay(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.in <- []byte(`{"type":"msg_g2c_result","data":{}}`)
	env.upstream.in <- []byte(`{"type":"msg_g2c_recv_message","data":{"text":"hi"}}`)

	conn := env.dial(t, "/api/v1/rooms/42/chat/ws")

	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, map[string]any{"type": "connected", "roomId": "42"}, ev)

	ev = nil
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "message", ev["type"])
	assert.Equal(t, map[string]any{"text": "hi"}, ev["data"])

	// 同じルームの2本目は拒否される
	second := env.dial(t, "/api/v1/rooms/42/chat/ws")
	ev = nil
	require.NoError(t, second.ReadJSON(&ev))
	assert.Equal(t, "error", ev["type"])

	conn.Close()
	select {
	case <-env.upstream.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream kept open after the downstream closed")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}
