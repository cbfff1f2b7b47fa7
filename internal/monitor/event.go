// Package monitor はユーザーのプレゼンスを定期的にポーリングし、変化をイベントとして通知します
// 監視はユーザー名ごとに独立したSessionで行い、Managerがユーザー名で索引します
package monitor

import (
	"errors"
	"time"

	"github.com/SteamVC/RoomWatch/internal/models"
)

// カスタムエラー定義
var (
	ErrUsernameRequired  = errors.New("monitor: username required")
	ErrAlreadyMonitoring = errors.New("monitor: already monitoring")
	ErrUserNotFound      = errors.New("monitor: user not found")
)

// EventType はイベントの種類です
type EventType string

const (
	EventPresenceChanged EventType = "presence_changed" // オンライン状態が変わった
	EventRoomChanged     EventType = "room_changed"     // オンラインのままルームが変わった
	EventPresence        EventType = "presence"         // ポーリング1回分のスナップショット
	EventError           EventType = "error"            // ポーリングの失敗
)

// Direction はpresence_changedの向きです
type Direction string

const (
	BecameOnline  Direction = "online"
	BecameOffline Direction = "offline"
)

// Event は監視セッションが通知するイベントです
// Typeによって使うフィールドが異なります
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`

	Direction Direction                `json:"direction,omitempty"` // presence_changed
	From      *models.RoomRef          `json:"from,omitempty"`      // room_changed（ルームにいなかった場合はnil）
	To        *models.RoomRef          `json:"to,omitempty"`        // room_changed（ルームを出た場合はnil）
	Snapshot  *models.PresenceSnapshot `json:"snapshot,omitempty"`  // presence
	Status    int                      `json:"status,omitempty"`    // error: アップストリームのHTTPステータス（不明なら0）
	Message   string                   `json:"message,omitempty"`   // error
}

// Sink はイベントの送り先です
// Emitは監視ループのgoroutineから順番に呼ばれます。EmitからStopを呼んではいけません
type Sink interface {
	Emit(Event)
}

// SinkFunc は関数をSinkとして使うためのアダプターです
type SinkFunc func(Event)

// Emit はfを呼び出します
func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink は複数のSinkへ順にイベントを配ります
type MultiSink []Sink

// Emit はすべてのSinkにイベントを渡します
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
