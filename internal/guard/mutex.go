// Package guard holds the concurrency and spend guards that sit between
// the router and the workers: the process-wide FIFO mutex serializing
// desktop-app mutations, per-service circuit breakers, and the budget
// ledger.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/inkhaus/autopress/internal/log"
)

// FIFOMutex is a process-wide mutex with strict FIFO handoff. The desktop
// application cannot survive concurrent document mutations, so every
// local-interactive and multi-server job serializes through one instance.
type FIFOMutex struct {
	mu      sync.Mutex
	waiters []chan struct{}
	locked  bool
	holder  string
	since   time.Time
}

// NewFIFOMutex creates an unlocked FIFO mutex.
func NewFIFOMutex() *FIFOMutex {
	return &FIFOMutex{}
}

// Acquire blocks until the mutex is granted or ctx is done. Waiters are
// granted strictly in arrival order. The holder tag appears in log lines
// and the status report.
func (m *FIFOMutex) Acquire(ctx context.Context, holder string) error {
	start := time.Now()

	m.mu.Lock()
	if !m.locked && len(m.waiters) == 0 {
		m.locked = true
		m.holder = holder
		m.since = start
		m.mu.Unlock()
		log.Info(log.CatGuard, "mutex acquired", "holder", holder, "waitedMs", 0)
		return nil
	}

	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		m.mu.Lock()
		m.holder = holder
		m.since = time.Now()
		m.mu.Unlock()
		log.Info(log.CatGuard, "mutex acquired", "holder", holder, "waitedMs", time.Since(start).Milliseconds())
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range m.waiters {
			if w == ch {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		// Already granted between ctx.Done and lock: pass it on.
		m.passLocked()
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Release hands the mutex to the next waiter, if any.
func (m *FIFOMutex) Release() {
	m.mu.Lock()
	held := time.Since(m.since)
	holder := m.holder
	m.holder = ""
	m.passLocked()
	m.mu.Unlock()
	log.Info(log.CatGuard, "mutex released", "holder", holder, "heldMs", held.Milliseconds())
}

// passLocked grants the mutex to the next waiter or unlocks. Caller holds m.mu.
func (m *FIFOMutex) passLocked() {
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(next)
		return
	}
	m.locked = false
}

// Holder returns the current holder tag and queue depth.
func (m *FIFOMutex) Holder() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder, len(m.waiters)
}
