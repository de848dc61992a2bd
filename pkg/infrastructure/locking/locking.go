// Package locking provides non-blocking advisory locks with a TTL, used by
// the resume-all coordinator and available to step bodies for user-defined
// critical sections.
package locking

import (
	"context"
	"time"
)

// Lock is a held advisory lock. The token proves ownership on release.
type Lock struct {
	Resource  string
	Token     string
	ExpiresAt time.Time
}

// Manager acquires and releases advisory locks. TryAcquire never blocks: it
// reports held=false when another owner holds the resource.
type Manager interface {
	TryAcquire(ctx context.Context, resource string, ttl time.Duration) (lock *Lock, held bool, err error)
	Release(ctx context.Context, lock *Lock) error
	Close() error
}

// Disabled is a Manager that always grants locks. Used when distributed
// locking is turned off; mutual exclusion then only holds per instance.
type Disabled struct{}

// TryAcquire always grants.
func (Disabled) TryAcquire(_ context.Context, resource string, ttl time.Duration) (*Lock, bool, error) {
	return &Lock{Resource: resource, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

// Release is a no-op.
func (Disabled) Release(context.Context, *Lock) error { return nil }

// Close is a no-op.
func (Disabled) Close() error { return nil }
