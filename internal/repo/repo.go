// Package repo は監視リストと最後に観測したプレゼンスを永続化します
package repo

import (
	"context"

	"github.com/SteamVC/RoomWatch/internal/models"
)

// PresenceRepo は監視対象と最新スナップショットの保存先です
// ユーザー名は大文字小文字を区別しません
type PresenceRepo interface {
	AddWatch(ctx context.Context, username string) (bool, error)
	RemoveWatch(ctx context.Context, username string) (bool, error)
	ListWatch(ctx context.Context) ([]string, error)
	IsWatched(ctx context.Context, username string) (bool, error)

	SavePresence(ctx context.Context, snap models.PresenceSnapshot, ttlSec int) error
	GetPresence(ctx context.Context, username string) (models.PresenceSnapshot, bool, error)
	ListPresence(ctx context.Context) ([]models.PresenceSnapshot, error)
}
