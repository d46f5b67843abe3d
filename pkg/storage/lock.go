package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// DefaultLockTimeout bounds how long a writer waits for a collection lock.
const DefaultLockTimeout = 5 * time.Second

// DefaultLockPollInterval is how often a waiting writer re-checks the lock.
const DefaultLockPollInterval = 10 * time.Millisecond

type lockState struct {
	owner string
	depth int
}

// LockManager serializes writers per collection. Readers never take these locks.
// A lock is re-entrant for its owner: every Acquire must be paired with a Release.
type LockManager struct {
	mu   sync.Mutex
	held map[string]*lockState
	poll time.Duration
}

// NewLockManager creates a lock manager polling at the given interval.
func NewLockManager(poll time.Duration) *LockManager {
	if poll <= 0 {
		poll = DefaultLockPollInterval
	}
	return &LockManager{held: make(map[string]*lockState), poll: poll}
}

func (m *LockManager) tryAcquire(name, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.held[name]
	if !ok {
		m.held[name] = &lockState{owner: owner, depth: 1}
		return true
	}
	if st.owner == owner {
		st.depth++
		return true
	}
	return false
}

// Acquire blocks until name is free or held by owner, polling until timeout
// elapses. A timeout yields a busy error; a cancelled context aborts the wait.
func (m *LockManager) Acquire(ctx context.Context, name, owner string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if m.tryAcquire(name, owner) {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.tryAcquire(name, owner) {
				return nil
			}
		case <-deadline.C:
			// One last attempt so a release racing the deadline is not lost.
			if m.tryAcquire(name, owner) {
				return nil
			}
			return engine.Busy(name)
		case <-ctx.Done():
			return engine.Busy(name).WithDetail("reason", ctx.Err().Error())
		}
	}
}

// Release drops one hold of name by owner. Releasing a lock that is not held
// is a no-op; releasing another owner's lock is an error.
func (m *LockManager) Release(name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.held[name]
	if !ok {
		return nil
	}
	if st.owner != owner {
		return fmt.Errorf("lock %s is held by %s, not %s", name, st.owner, owner)
	}
	st.depth--
	if st.depth <= 0 {
		delete(m.held, name)
	}
	return nil
}

// Holder returns the current owner of name.
func (m *LockManager) Holder(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.held[name]
	if !ok {
		return "", false
	}
	return st.owner, true
}
