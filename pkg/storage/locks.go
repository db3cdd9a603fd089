package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
)

// LockManager hands out exclusive, re-entrant row locks keyed by string.
// Owners are transaction ids. Waits are bounded by the configured timeout.
type LockManager struct {
	mu      sync.Mutex
	held    map[string]*rowLock
	timeout time.Duration
}

type rowLock struct {
	owner    uint64
	released chan struct{}
}

func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		held:    make(map[string]*rowLock),
		timeout: timeout,
	}
}

// Acquire blocks until key is free or already held by owner. It returns
// true when the lock was newly taken, so the caller knows to release it.
func (m *LockManager) Acquire(ctx context.Context, owner uint64, key string) (bool, error) {
	var deadline <-chan time.Time
	if m.timeout > 0 {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		l, ok := m.held[key]
		if !ok {
			m.held[key] = &rowLock{owner: owner, released: make(chan struct{})}
			m.mu.Unlock()
			return true, nil
		}
		if l.owner == owner {
			m.mu.Unlock()
			return false, nil
		}
		wait := l.released
		m.mu.Unlock()

		select {
		case <-wait:
		case <-deadline:
			return false, errors.Wrapf(core.ErrLockTimeout, "row %s", key)
		case <-ctx.Done():
			return false, errors.Wrapf(ctx.Err(), "waiting for row %s", key)
		}
	}
}

// Release frees every key in keys that owner holds.
func (m *LockManager) Release(owner uint64, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if l, ok := m.held[k]; ok && l.owner == owner {
			delete(m.held, k)
			close(l.released)
		}
	}
}

// Held returns the number of locked rows.
func (m *LockManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// LockSet tracks the rows one transaction holds in a LockManager.
type LockSet struct {
	m     *LockManager
	owner uint64
	keys  []string
}

func (m *LockManager) NewLockSet(owner uint64) *LockSet {
	return &LockSet{m: m, owner: owner}
}

func (s *LockSet) Lock(ctx context.Context, key string) error {
	taken, err := s.m.Acquire(ctx, s.owner, key)
	if err != nil {
		return err
	}
	if taken {
		s.keys = append(s.keys, key)
	}
	return nil
}

// ReleaseAll frees every row taken through this set.
func (s *LockSet) ReleaseAll() {
	s.m.Release(s.owner, s.keys)
	s.keys = nil
}
