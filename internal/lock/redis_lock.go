package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a SET NX lease with a TTL. A held lease is extended every third
// of the TTL until released, so the TTL only bounds how long a crashed holder
// blocks the next run.
type RedisLock struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisLock(rdb *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: key, ttl: ttl}
}

func (l *RedisLock) TryAcquire(ctx context.Context) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	lease := &redisLease{
		lock:  l,
		token: token,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, true, nil
}

type redisLease struct {
	lock  *RedisLock
	token string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (r *redisLease) keepAlive() {
	defer close(r.done)

	every := r.lock.ttl / 3
	if every < time.Millisecond {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := extendScript.Run(ctx, r.lock.rdb, []string{r.lock.key}, r.token, r.lock.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("lease extend failed", "key", r.lock.key, "err", err)
				continue
			}
			if n == 0 {
				slog.Warn("lease lost", "key", r.lock.key)
				return
			}
		}
	}
}

// Release stops renewal and deletes the key only while it still holds this
// lease's token.
func (r *redisLease) Release(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	return releaseScript.Run(ctx, r.lock.rdb, []string{r.lock.key}, r.token).Err()
}
