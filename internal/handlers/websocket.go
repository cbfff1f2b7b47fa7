package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/SteamVC/RoomWatch/internal/relay"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second // 1回の書き込みの期限

// WebSocketMessage はクライアントから受け取るメッセージの構造
// 受け付けるのは "ping" だけで、"pong" を返します
type WebSocketMessage struct {
	Type string `json:"type"`
}

// wsConn はダウンストリームのWebSocket接続です
// 書き込みは複数のgoroutineから来るのでロックで直列化します
type wsConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn { return &wsConn{conn: conn} }

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Send はリレーのイベントを1件送ります（relay.Sink）
func (c *wsConn) Send(e relay.Event) error { return c.writeJSON(e) }

// Close はクローズフレームを送ってから接続を閉じます（relay.Sink）
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

// readLoop はクライアントが切断するまでメッセージを読みます
// pingにはpongを返し、それ以外は読み捨てます
func (c *wsConn) readLoop(log *slog.Logger) {
	for {
		var msg WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", "err", err)
			}
			return
		}
		switch msg.Type {
		case "ping":
			if err := c.writeJSON(WebSocketMessage{Type: "pong"}); err != nil {
				log.Debug("failed to send pong", "err", err)
				return
			}
		default:
			log.Debug("unknown message type", "type", msg.Type)
		}
	}
}

func newUpgrader(checkOrigin func(r *http.Request) bool) websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return websocket.Upgrader{CheckOrigin: checkOrigin}
}

// ChatRelay はルームチャットの購読を開始します（relay.Manager が満たします）
type ChatRelay interface {
	Subscribe(ctx context.Context, roomID string, sink relay.Sink) (*relay.Session, error)
}

// ChatHandler はルームチャットをWebSocketで中継するハンドラー
type ChatHandler struct {
	relay    ChatRelay
	upgrader websocket.Upgrader
}

// NewChatHandler は新しいChatHandlerを作成します
// checkOriginがnilの場合はすべてのOriginを許可します
func NewChatHandler(r ChatRelay, checkOrigin func(r *http.Request) bool) *ChatHandler {
	return &ChatHandler{relay: r, upgrader: newUpgrader(checkOrigin)}
}

// HandleWebSocket はチャットの購読を処理します
// 処理の流れ:
// 1. HTTPからWebSocketへのアップグレード
// 2. このルームのメッセージキュー購読を開始し、接続をそのままダウンストリームにする
// 3. クライアントが切断するまで読み続ける
// 4. 切断したら購読を閉じ、終わるのを待つ
func (h *ChatHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade error", "roomId", roomId, "err", err)
		return
	}
	ws := newWSConn(conn)
	log := slog.With("roomId", roomId)

	sess, err := h.relay.Subscribe(r.Context(), roomId, ws)
	if err != nil {
		msg := "IMQ connection error"
		if errors.Is(err, relay.ErrRoomBusy) {
			msg = "room already relayed"
		}
		log.Warn("chat subscribe rejected", "err", err)
		ws.writeJSON(relay.Event{Type: relay.EventError, Message: msg})
		ws.Close()
		return
	}
	log.Info("chat websocket connected", "session", sess.ID())

	// 購読が先に終わった場合は sink.Close で接続が閉じ、readLoopも抜ける
	ws.readLoop(log)
	sess.Close()
	<-sess.Done()
	log.Info("chat websocket disconnected", "session", sess.ID())
}
