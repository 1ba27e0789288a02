package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFIFOMutex_AcquireRelease(t *testing.T) {
	m := NewFIFOMutex()
	require.NoError(t, m.Acquire(context.Background(), "job-1"))

	holder, depth := m.Holder()
	require.Equal(t, "job-1", holder)
	require.Zero(t, depth)

	m.Release()
	holder, _ = m.Holder()
	require.Empty(t, holder)
}

func TestFIFOMutex_GrantsInArrivalOrder(t *testing.T) {
	m := NewFIFOMutex()
	require.NoError(t, m.Acquire(context.Background(), "first"))

	const waiters = 5
	var mu sync.Mutex
	var order []int
	ready := make(chan struct{}, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		// Stagger arrival so the FIFO queue order is deterministic.
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ready <- struct{}{}
			require.NoError(t, m.Acquire(context.Background(), "waiter"))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			m.Release()
		}(i)
		<-ready
		waitForDepth(t, m, i+1)
	}

	m.Release()
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestFIFOMutex_CancelWhileWaiting(t *testing.T) {
	m := NewFIFOMutex()
	require.NoError(t, m.Acquire(context.Background(), "holder"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Acquire(ctx, "canceled")
	}()
	waitForDepth(t, m, 1)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The canceled waiter must not block subsequent handoff.
	m.Release()
	require.NoError(t, m.Acquire(context.Background(), "next"))
	m.Release()
}

func waitForDepth(t *testing.T, m *FIFOMutex, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, d := m.Holder(); d >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached depth %d", depth)
}

// TestFIFOMutex_Property drives random acquire/release sequences and
// verifies the mutex never grants two holders at once.
func TestFIFOMutex_Property(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		m := NewFIFOMutex()
		n := rapid.IntRange(1, 8).Draw(r, "goroutines")

		var inside sync.Map
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				if err := m.Acquire(context.Background(), "p"); err != nil {
					return
				}
				if _, loaded := inside.LoadOrStore("held", id); loaded {
					t.Error("two goroutines held the mutex simultaneously")
				}
				inside.Delete("held")
				m.Release()
			}(i)
		}
		wg.Wait()
	})
}
