package sessionlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 5 * time.Minute
	pollInterval = 50 * time.Millisecond
)

// Compare-and-delete so a holder whose TTL lapsed cannot release a
// lock another process has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Redis serializes sessions across processes with SET NX PX. Within
// one process a [Local] lock is taken first, so local waiters keep
// FIFO order; across processes admission order is not guaranteed.
type Redis struct {
	rdb    redis.UniversalClient
	local  *Local
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// DefaultPrefix namespaces lock keys when processes share a Redis.
const DefaultPrefix = "concierge"

// NewRedis creates a distributed locker. A zero ttl uses five minutes.
// The lock is extended while held, so ttl only bounds how long a
// crashed holder blocks the session.
func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		rdb:    rdb,
		local:  NewLocal(),
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "sessionlock"),
	}
}

// Lock implements [Locker].
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := r.key(key)
	token := uuid.NewString()
	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	stop := make(chan struct{})
	go r.keepAlive(redisKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key, redisKey, token, stop, unlockLocal) })
	}, nil
}

// key names the Redis lock for a session: <prefix>:session:<id>.
func (r *Redis) key(session string) string {
	return r.prefix + ":session:" + session
}

func (r *Redis) release(key, redisKey, token string, stop chan struct{}, unlockLocal func()) {
	close(stop)
	// Release must happen even if the caller's ctx is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.rdb, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn("session lock release failed", "session", key, "error", err)
	}
	unlockLocal()
}

func (r *Redis) keepAlive(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := extendScript.Run(ctx, r.rdb, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn("session lock extend failed", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				r.logger.Warn("session lock lost before release", "key", redisKey)
				return
			}
		}
	}
}
