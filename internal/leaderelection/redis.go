package leaderelection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Renew and release only act while the caller still owns the key.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLock is a TTL lease stored under one key. The holder must renew it
// faster than ttl; an instance that stops renewing loses the lease when the
// key expires.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) Name() string {
	return "redis(" + l.key + ")"
}

func (l *RedisLock) TryAcquire(ctx context.Context) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{lock: l, token: token}, nil
}

type redisLease struct {
	lock  *RedisLock
	token string
}

func (l *redisLease) Keep(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.lock.client, []string{l.lock.key}, l.token, l.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.lock.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.lock.client, []string{l.lock.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.lock.key, err)
	}
	return nil
}
