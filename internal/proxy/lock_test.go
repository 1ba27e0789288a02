package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkhaus/autopress/internal/autoerr"
)

func TestLockManager_AcquireRelease(t *testing.T) {
	m := NewLockManager(time.Second)
	require.NoError(t, m.Acquire(context.Background(), "indesign/doc-1", "req-1"))

	active := m.Active()
	require.Len(t, active, 1)
	require.Equal(t, "req-1", active[0].OwnerReqID)

	m.Release("indesign/doc-1", "req-1")
	require.Empty(t, m.Active())
}

func TestLockManager_IndependentKeys(t *testing.T) {
	m := NewLockManager(time.Second)
	require.NoError(t, m.Acquire(context.Background(), "indesign/doc-1", "req-1"))
	require.NoError(t, m.Acquire(context.Background(), "indesign/doc-2", "req-2"))
	require.Len(t, m.Active(), 2)
}

func TestLockManager_BoundedWaitTimesOut(t *testing.T) {
	m := NewLockManager(50 * time.Millisecond)
	require.NoError(t, m.Acquire(context.Background(), "key", "req-1"))

	start := time.Now()
	err := m.Acquire(context.Background(), "key", "req-2")
	require.Equal(t, autoerr.CodeDocumentLocked, autoerr.CodeOf(err))
	require.Less(t, time.Since(start), 2*time.Second)

	// Timed-out waiter must not corrupt the queue.
	m.Release("key", "req-1")
	require.NoError(t, m.Acquire(context.Background(), "key", "req-3"))
}

func TestLockManager_FIFOHandoff(t *testing.T) {
	m := NewLockManager(2 * time.Second)
	require.NoError(t, m.Acquire(context.Background(), "key", "req-1"))

	granted := make(chan string, 2)
	go func() {
		_ = m.Acquire(context.Background(), "key", "req-2")
		granted <- "req-2"
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		_ = m.Acquire(context.Background(), "key", "req-3")
		granted <- "req-3"
	}()
	time.Sleep(20 * time.Millisecond)

	m.Release("key", "req-1")
	require.Equal(t, "req-2", <-granted)
	m.Release("key", "req-2")
	require.Equal(t, "req-3", <-granted)
}

func TestLockManager_ReleaseByNonOwnerIgnored(t *testing.T) {
	m := NewLockManager(time.Second)
	require.NoError(t, m.Acquire(context.Background(), "key", "req-1"))

	m.Release("key", "req-other")
	active := m.Active()
	require.Len(t, active, 1)
	require.Equal(t, "req-1", active[0].OwnerReqID)
}

func TestLockManager_ContextCancel(t *testing.T) {
	m := NewLockManager(5 * time.Second)
	require.NoError(t, m.Acquire(context.Background(), "key", "req-1"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Acquire(ctx, "key", "req-2") }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}
