package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultURL はメッセージキューの既定の接続先です
const DefaultURL = "wss://imq.imvu.com:444/streaming/imvu_pre"

// Upstream はメッセージキューへの接続です。*websocket.Conn がそのまま満たします
type Upstream interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer はメッセージキューへの接続を開きます
type Dialer interface {
	Dial(ctx context.Context) (Upstream, error)
}

// DialerFunc は関数をDialerとして使うためのアダプターです
type DialerFunc func(ctx context.Context) (Upstream, error)

// Dial はfを呼び出します
func (f DialerFunc) Dial(ctx context.Context) (Upstream, error) { return f(ctx) }

// WSDialer はgorilla/websocketでメッセージキューに接続します
type WSDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer // nilなら HandshakeTimeout 付きの既定値
}

// Dial は接続を開きます
func (d WSDialer) Dial(ctx context.Context) (Upstream, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	url := d.URL
	if url == "" {
		url = DefaultURL
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}
	return conn, nil
}
