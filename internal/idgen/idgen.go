// Package idgen はイベントやリレーセッションのIDを発行します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID は現在時刻のULIDを返します
// 同じミリ秒内でも単調増加するので、IDの辞書順がそのまま発行順になります
func NewULID() string {
	return NewULIDAt(time.Now())
}

// NewULIDAt は指定した時刻のULIDを返します
func NewULIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t.UTC()), entropy).String()
}
