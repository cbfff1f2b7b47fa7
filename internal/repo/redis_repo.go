package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/SteamVC/RoomWatch/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisPresenceRepo struct{ rdb *redis.Client }

func NewRedisPresenceRepo(rdb *redis.Client) *RedisPresenceRepo {
	return &RedisPresenceRepo{rdb: rdb}
}

const watchlistKey = "watchlist"

// 監視開始時刻を保持するハッシュ
const watchedAtKey = "watchlist:since"

func norm(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func presenceKey(username string) string {
	return fmt.Sprintf("presence:%s", norm(username))
}

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// AddWatch は監視リストに追加します。新規に追加した場合はtrueを返します
func (pr *RedisPresenceRepo) AddWatch(ctx context.Context, username string) (bool, error) {
	name := norm(username)
	if name == "" {
		return false, errors.New("username required")
	}
	pipe := pr.rdb.TxPipeline()
	added := pipe.SAdd(ctx, watchlistKey, name)
	pipe.HSetNX(ctx, watchedAtKey, name, time.Now().UTC().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return added.Val() == 1, nil
}

// RemoveWatch は監視リストから外し、保存済みのプレゼンスも消します
func (pr *RedisPresenceRepo) RemoveWatch(ctx context.Context, username string) (bool, error) {
	name := norm(username)
	pipe := pr.rdb.TxPipeline()
	removed := pipe.SRem(ctx, watchlistKey, name)
	pipe.HDel(ctx, watchedAtKey, name)
	pipe.Del(ctx, presenceKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return removed.Val() == 1, nil
}

func (pr *RedisPresenceRepo) ListWatch(ctx context.Context) ([]string, error) {
	names, err := pr.rdb.SMembers(ctx, watchlistKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (pr *RedisPresenceRepo) IsWatched(ctx context.Context, username string) (bool, error) {
	return pr.rdb.SIsMember(ctx, watchlistKey, norm(username)).Result()
}

// SavePresence は最新のスナップショットをTTL付きで上書きします
func (pr *RedisPresenceRepo) SavePresence(ctx context.Context, snap models.PresenceSnapshot, ttlSec int) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return pr.rdb.Set(ctx, presenceKey(snap.Username), b, sec(ttlSec)).Err()
}

func (pr *RedisPresenceRepo) GetPresence(ctx context.Context, username string) (models.PresenceSnapshot, bool, error) {
	val, err := pr.rdb.Get(ctx, presenceKey(username)).Bytes()
	if err == redis.Nil { // データがない
		return models.PresenceSnapshot{}, false, nil
	}
	if err != nil {
		return models.PresenceSnapshot{}, false, err
	}
	var s models.PresenceSnapshot
	if err := json.Unmarshal(val, &s); err != nil {
		return models.PresenceSnapshot{}, false, err
	}
	return s, true, nil
}

// ListPresence は監視リスト全員の保存済みスナップショットを返します
// 期限切れや未観測のユーザーは含まれません
func (pr *RedisPresenceRepo) ListPresence(ctx context.Context) ([]models.PresenceSnapshot, error) {
	names, err := pr.ListWatch(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return []models.PresenceSnapshot{}, nil
	}

	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = presenceKey(n)
	}

	// 一括取得
	vals, err := pr.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.PresenceSnapshot, 0, len(names))
	for _, val := range vals {
		b, ok := val.(string)
		if !ok {
			continue
		}
		var s models.PresenceSnapshot
		if json.Unmarshal([]byte(b), &s) == nil {
			res = append(res, s)
		}
	}
	return res, nil
}
