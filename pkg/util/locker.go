package util

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker hands out short-lived per-entity execution locks backed by Redis.
type Locker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Locker {
	return &Locker{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire tries to take the lock for scope + id.
// returns a release token and true if the caller now holds the lock
// returns false if another holder has it
func (l *Locker) Acquire(ctx context.Context, scope string, id int64) (string, bool) {
	key := lockKey(scope, id)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		// Redis 挂了？不阻止处理，任务状态机仍然兜底
		l.logger.Warn("Redis lock failed, allowing processing",
			zap.String("scope", scope),
			zap.Int64("id", id),
			zap.Error(err),
		)
		return "", true
	}

	if !ok {
		l.logger.Info("Lock held elsewhere, skipping",
			zap.String("scope", scope),
			zap.Int64("id", id),
			zap.String("lock_key", key),
		)
	}
	return token, ok
}

func (l *Locker) Release(ctx context.Context, scope string, id int64, token string) {
	if token == "" {
		return
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKey(scope, id)}, token).Err(); err != nil {
		l.logger.Warn("Redis lock release failed",
			zap.String("scope", scope),
			zap.Int64("id", id),
			zap.Error(err),
		)
	}
}

func lockKey(scope string, id int64) string {
	return fmt.Sprintf("lock:%s:%d", scope, id)
}
