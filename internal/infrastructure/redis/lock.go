package redis

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the owner token may release the lock.
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock is a single-owner lease on a Redis key.
type DistributedLock struct {
	client   *redis.Client
	key      string
	token    string
	ttl      time.Duration
	acquired bool
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    LockKey(key),
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// LockKey namespaces a lock name.
func LockKey(name string) string {
	return "paylink:lock:" + name
}

// Acquire tries once; a false result with nil error means someone else holds it.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}

	l.acquired = ok
	return ok, nil
}

func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}

	n, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}

	l.acquired = false
	if n == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}
