package locking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sweepInterval = 100 * time.Millisecond

type memoryEntry struct {
	token    string
	expireAt time.Time
}

// MemoryManager keeps locks in a mutex-guarded map. A background sweeper
// releases expired locks so an orphaned holder cannot block forever.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	done  chan struct{}
	once  sync.Once
}

// NewMemoryManager creates the manager and starts its sweeper.
func NewMemoryManager() *MemoryManager {
	m := &MemoryManager{
		locks: make(map[string]memoryEntry),
		done:  make(chan struct{}),
	}
	go m.sweep()
	return m
}

// TryAcquire grants the lock when the resource is free or its holder expired.
func (m *MemoryManager) TryAcquire(_ context.Context, resource string, ttl time.Duration) (*Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if entry, held := m.locks[resource]; held && entry.expireAt.After(now) {
		return nil, false, nil
	}

	token := uuid.NewString()
	expireAt := now.Add(ttl)
	m.locks[resource] = memoryEntry{token: token, expireAt: expireAt}
	return &Lock{Resource: resource, Token: token, ExpiresAt: expireAt}, true, nil
}

// Release frees the lock if the caller still owns it.
func (m *MemoryManager) Release(_ context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, held := m.locks[lock.Resource]; held && entry.token == lock.Token {
		delete(m.locks, lock.Resource)
	}
	return nil
}

// Close stops the sweeper.
func (m *MemoryManager) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryManager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for resource, entry := range m.locks {
				if !entry.expireAt.After(now) {
					delete(m.locks, resource)
				}
			}
			m.mu.Unlock()
		}
	}
}
