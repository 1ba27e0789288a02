package proxy

import (
	"sort"
	"sync"
	"time"
)

const latencyWindow = 512

// Metrics accumulates proxy-side counters and a rolling latency window.
type Metrics struct {
	mu        sync.Mutex
	commands  map[string]int64 // per command action
	failures  map[string]int64 // per error code
	latencies []time.Duration  // ring buffer
	next      int
	filled    bool
	inFlight  int
}

// NewMetrics creates a zeroed metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		commands:  make(map[string]int64),
		failures:  make(map[string]int64),
		latencies: make([]time.Duration, latencyWindow),
	}
}

// ObserveCommand counts a dispatched command.
func (m *Metrics) ObserveCommand(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[action]++
	m.inFlight++
}

// ObserveResult records a command completion with its latency; code is
// empty on success.
func (m *Metrics) ObserveResult(code string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if code != "" {
		m.failures[code]++
	}
	m.latencies[m.next] = latency
	m.next++
	if m.next == latencyWindow {
		m.next = 0
		m.filled = true
	}
	if m.inFlight > 0 {
		m.inFlight--
	}
}

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	Commands map[string]int64 `json:"commands"`
	Failures map[string]int64 `json:"failures"`
	P50MS    int64            `json:"p50Ms"`
	P95MS    int64            `json:"p95Ms"`
	InFlight int              `json:"inFlight"`
}

// Snapshot returns a copy of the current counters and percentiles.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Commands: make(map[string]int64, len(m.commands)),
		Failures: make(map[string]int64, len(m.failures)),
		InFlight: m.inFlight,
	}
	for k, v := range m.commands {
		snap.Commands[k] = v
	}
	for k, v := range m.failures {
		snap.Failures[k] = v
	}

	n := m.next
	if m.filled {
		n = latencyWindow
	}
	if n > 0 {
		window := make([]time.Duration, n)
		copy(window, m.latencies[:n])
		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
		snap.P50MS = window[n/2].Milliseconds()
		p95 := (n * 95) / 100
		if p95 >= n {
			p95 = n - 1
		}
		snap.P95MS = window[p95].Milliseconds()
	}
	return snap
}
