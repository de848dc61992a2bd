package locking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
)

const lockKeyPrefix = "stepflow:lock:"

// releaseScript deletes the key only while the caller still owns it, so a
// lock that expired and was re-acquired elsewhere is never released by the
// old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager implements Manager on a shared Redis, giving cluster-wide
// advisory locks with automatic release after the TTL.
type RedisManager struct {
	client redis.UniversalClient
}

// NewRedisManager wraps an existing client.
func NewRedisManager(client redis.UniversalClient) *RedisManager {
	return &RedisManager{client: client}
}

// TryAcquire issues SET NX PX; held=false when another owner exists.
func (m *RedisManager) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, lockKeyPrefix+resource, token, ttl).Result()
	if err != nil {
		return nil, false, errors.New(errors.CodeLockBackendError, "locking", "failed to acquire lock", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Resource: resource, Token: token, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

// Release frees the lock if the caller still owns it.
func (m *RedisManager) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, m.client, []string{lockKeyPrefix + lock.Resource}, lock.Token).Err(); err != nil && err != redis.Nil {
		return errors.New(errors.CodeLockBackendError, "locking", "failed to release lock", err)
	}
	return nil
}

// Close is a no-op; the client is shared and closed by its owner.
func (m *RedisManager) Close() error { return nil }
