package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/log"
)

// DocLock records the current holder of one document key.
type DocLock struct {
	Key        string    `json:"key"`
	OwnerReqID string    `json:"ownerRequestId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// LockManager serializes operations per logical document identity.
// At most one holder per key; acquisition waits are bounded.
type LockManager struct {
	mu      sync.Mutex
	held    map[string]DocLock
	waiters map[string][]chan struct{}
	maxWait time.Duration
}

// NewLockManager creates a lock manager with the given bounded wait.
func NewLockManager(maxWait time.Duration) *LockManager {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &LockManager{
		held:    make(map[string]DocLock),
		waiters: make(map[string][]chan struct{}),
		maxWait: maxWait,
	}
}

// Acquire takes the lock for key on behalf of requestID, waiting up to
// the bounded wait in FIFO order. Returns DOCUMENT_LOCKED on timeout.
func (m *LockManager) Acquire(ctx context.Context, key, requestID string) error {
	m.mu.Lock()
	if _, locked := m.held[key]; !locked && len(m.waiters[key]) == 0 {
		m.held[key] = DocLock{Key: key, OwnerReqID: requestID, AcquiredAt: time.Now()}
		m.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	m.waiters[key] = append(m.waiters[key], ch)
	m.mu.Unlock()

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()

	select {
	case <-ch:
		m.mu.Lock()
		m.held[key] = DocLock{Key: key, OwnerReqID: requestID, AcquiredAt: time.Now()}
		m.mu.Unlock()
		return nil
	case <-timer.C:
		m.abandon(key, ch)
		return autoerr.E(autoerr.CodeDocumentLocked, "document %s locked beyond %s wait", key, m.maxWait).
			WithAction("retry once the current operation completes")
	case <-ctx.Done():
		m.abandon(key, ch)
		return ctx.Err()
	}
}

// abandon removes ch from the wait queue; if the lock was handed to ch in
// the race window, it is passed straight to the next waiter.
func (m *LockManager) abandon(key string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.waiters[key]
	for i, w := range queue {
		if w == ch {
			m.waiters[key] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
	// Granted concurrently: hand off.
	m.passLocked(key)
}

// Release frees the lock held for key by requestID. Releasing a lock the
// request does not hold is a lock accounting violation and is logged.
func (m *LockManager) Release(key, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.held[key]
	if !ok || lock.OwnerReqID != requestID {
		log.Error(log.CatProxy, "lock release mismatch", "key", key, "requestId", requestID, "owner", lock.OwnerReqID)
		return
	}
	m.passLocked(key)
}

// passLocked hands the lock to the next waiter or clears it. Caller holds m.mu.
func (m *LockManager) passLocked(key string) {
	queue := m.waiters[key]
	if len(queue) > 0 {
		next := queue[0]
		m.waiters[key] = queue[1:]
		if len(m.waiters[key]) == 0 {
			delete(m.waiters, key)
		}
		close(next)
		return
	}
	delete(m.held, key)
	delete(m.waiters, key)
}

// Active returns a snapshot of held locks.
func (m *LockManager) Active() []DocLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DocLock, 0, len(m.held))
	for _, l := range m.held {
		out = append(out, l)
	}
	return out
}
