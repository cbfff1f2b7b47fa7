// Package imvu はアップストリームのREST APIクライアントです
// どのレスポンスも非正規化ペイロードとしてgraph.Graphに変換して返します
// ログイン処理は行わず、外部で取得済みのセッション情報をヘッダーに載せるだけです
package imvu

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SteamVC/RoomWatch/internal/graph"
	"golang.org/x/time/rate"
)

const (
	maxBodyBytes   = 8 << 20 // レスポンスボディの上限（8MB）
	maxMessageLen  = 200     // エラーメッセージに含めるボディの長さ
	defaultTimeout = 15 * time.Second
)

// Session は外部のログイン処理が発行した認証情報です
type Session struct {
	Sauce   string // セッショントークン
	CID     string // 数値のアカウントID
	Cookies string // Cookieヘッダー（オプショナル）
}

// Validate はトークンとアカウントIDがそろっているかを確認します
func (s Session) Validate() error {
	if strings.TrimSpace(s.Sauce) == "" || strings.TrimSpace(s.CID) == "" {
		return ErrMissingSession
	}
	return nil
}

// Apply はリクエストヘッダーに認証情報を設定します
func (s Session) Apply(h http.Header) {
	h.Set("Authorization", "Bearer "+s.Sauce)
	h.Set("Accept", "application/json")
	if s.Cookies != "" {
		h.Set("Cookie", s.Cookies)
	}
	if s.CID != "" {
		h.Set("X-IMVU-CID", s.CID)
	}
}

// Client はアップストリームAPIのクライアントです
// すべてのリクエストは共有のレートリミッターを通ります
type Client struct {
	base    string
	session Session
	hc      *http.Client
	limiter *rate.Limiter
}

// Option はClientの設定を変更します
type Option func(*Client)

// WithHTTPClient は使用するhttp.Clientを差し替えます
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithRateLimit は毎秒リクエスト数とバースト数を設定します。rpsが0以下なら無制限です
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient は新しいClientを作成します
func NewClient(base string, s Session, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		session: s,
		hc:      &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session は設定されている認証情報を返します
func (c *Client) Session() Session { return c.session }

// FetchUserByName はユーザー名でユーザーを検索します（GET /user?username=）
func (c *Client) FetchUserByName(ctx context.Context, username string) (*graph.Graph, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrInvalidArgument)
	}
	return c.get(ctx, "fetch user", "/user", url.Values{"username": {username}})
}

// FetchRoom はルーム詳細を取得します（GET /room/room-<id>）
func (c *Client) FetchRoom(ctx context.Context, roomID string) (*graph.Graph, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id required", ErrInvalidArgument)
	}
	return c.get(ctx, "fetch room", "/room/room-"+url.PathEscape(roomID), nil)
}

// SearchRooms は公開ルームを検索します（GET /room?limit=&nsfw=false&query=）
func (c *Client) SearchRooms(ctx context.Context, query string, limit int) (*graph.Graph, error) {
	q := url.Values{
		"limit": {strconv.Itoa(limit)},
		"nsfw":  {"false"},
	}
	if query = strings.TrimSpace(query); query != "" {
		q.Set("query", query)
	}
	return c.get(ctx, "search rooms", "/room", q)
}

// FetchActivity はユーザーのアクティビティを取得します（GET /user/user-<id>/activity）
func (c *Client) FetchActivity(ctx context.Context, userID string, limit int) (*graph.Graph, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	return c.get(ctx, "fetch activity", "/user/user-"+url.PathEscape(userID)+"/activity",
		url.Values{"limit": {strconv.Itoa(limit)}})
}

// FetchRecentRooms はユーザーの最近のルームを取得します（GET /user/user-<id>/recent_rooms）
func (c *Client) FetchRecentRooms(ctx context.Context, userID string, limit int) (*graph.Graph, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	return c.get(ctx, "fetch recent rooms", "/user/user-"+url.PathEscape(userID)+"/recent_rooms",
		url.Values{"limit": {strconv.Itoa(limit)}})
}

// FetchFriends はユーザーのフレンド一覧を取得します（GET /user/user-<id>/friends）
func (c *Client) FetchFriends(ctx context.Context, userID string, limit int) (*graph.Graph, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	return c.get(ctx, "fetch friends", "/user/user-"+url.PathEscape(userID)+"/friends",
		url.Values{"limit": {strconv.Itoa(limit)}})
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values) (*graph.Graph, error) {
	if err := c.session.Validate(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("imvu: %s: %w", op, err)
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("imvu: %s: %w", op, err)
	}
	c.session.Apply(req.Header)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imvu: %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("imvu: %s: read body: %w", op, err)
	}

	g := graph.Parse(body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(g, body)}
	}
	if g.Failed() {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: g.Message(), Failure: true}
	}
	return g, nil
}

func errorMessage(g *graph.Graph, body []byte) string {
	if m := g.Message(); m != "" {
		return m
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxMessageLen {
		s = s[:maxMessageLen]
	}
	return s
}
