package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/log"
)

// LedgerEntry is one appended cost record.
type LedgerEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Units     float64   `json:"units"`
	UnitPrice float64   `json:"unitPrice"`
	USD       float64   `json:"usd"`
}

// AlertSink receives budget threshold alerts. Optional.
type AlertSink func(message string)

// Ledger is the append-only cost ledger with in-memory daily/monthly
// aggregates. Sums are keyed by UTC day and month, so the daily sum
// implicitly resets to zero on the first read after UTC midnight.
type Ledger struct {
	mu        sync.Mutex
	cfg       config.BudgetConfig
	path      string
	file      *os.File
	daily     map[string]float64 // "2026-08-24" -> USD
	monthly   map[string]float64 // "2026-08" -> USD
	alerted   map[string]bool    // "2026-08-24/0.75" -> alert fired
	alertSink AlertSink
	now       func() time.Time
}

// NewLedger opens (creating if needed) the append-only ledger file and
// replays it into the in-memory aggregates.
func NewLedger(cfg config.BudgetConfig, path string, sink AlertSink) (*Ledger, error) {
	l := &Ledger{
		cfg:       cfg,
		path:      path,
		daily:     make(map[string]float64),
		monthly:   make(map[string]float64),
		alerted:   make(map[string]bool),
		alertSink: sink,
		now:       time.Now,
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			l.replay(data)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening ledger %s: %w", path, err)
		}
		l.file = f
	}
	return l, nil
}

// NewMemoryLedger returns a ledger with no file backing. Test helper and
// default for processes that never bill.
func NewMemoryLedger(cfg config.BudgetConfig) *Ledger {
	l, _ := NewLedger(cfg, "", nil)
	return l
}

func (l *Ledger) replay(data []byte) {
	for _, line := range splitLines(data) {
		var e LedgerEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		ts := e.Timestamp.UTC()
		l.daily[ts.Format("2006-01-02")] += e.USD
		l.monthly[ts.Format("2006-01")] += e.USD
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// Authorize rejects the call when projected spend would exceed either
// cap. Must be called immediately before dispatching a billable call.
func (l *Ledger) Authorize(service string, estUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if l.cfg.DailyCapUSD > 0 && l.daily[day]+estUSD > l.cfg.DailyCapUSD {
		return autoerr.E(autoerr.CodeBudgetExceeded,
			"service %s: projected daily spend $%.2f exceeds cap $%.2f", service, l.daily[day]+estUSD, l.cfg.DailyCapUSD).
			WithAction("raise budget.daily_cap_usd or wait for the UTC rollover")
	}
	if l.cfg.MonthlyCapUSD > 0 && l.monthly[month]+estUSD > l.cfg.MonthlyCapUSD {
		return autoerr.E(autoerr.CodeBudgetExceeded,
			"service %s: projected monthly spend $%.2f exceeds cap $%.2f", service, l.monthly[month]+estUSD, l.cfg.MonthlyCapUSD).
			WithAction("raise budget.monthly_cap_usd")
	}
	return nil
}

// Record appends a cost entry and updates the aggregates, emitting
// threshold alerts when crossing a configured fraction of the daily cap.
func (l *Ledger) Record(service string, units, unitPrice float64) LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	entry := LedgerEntry{
		Timestamp: now,
		Service:   service,
		Units:     units,
		UnitPrice: unitPrice,
		USD:       units * unitPrice,
	}

	day := now.Format("2006-01-02")
	l.daily[day] += entry.USD
	l.monthly[now.Format("2006-01")] += entry.USD

	if l.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			_, _ = l.file.Write(append(data, '\n'))
		}
	}

	if l.alertSink != nil && l.cfg.DailyCapUSD > 0 {
		used := l.daily[day] / l.cfg.DailyCapUSD
		for _, t := range l.cfg.AlertThresholds {
			key := fmt.Sprintf("%s/%v", day, t)
			if used >= t && !l.alerted[key] {
				l.alerted[key] = true
				l.alertSink(fmt.Sprintf("budget alert: %.0f%% of daily cap used ($%.2f of $%.2f)",
					used*100, l.daily[day], l.cfg.DailyCapUSD))
			}
		}
	}

	log.Info(log.CatGuard, "cost recorded", "service", service, "usd", fmt.Sprintf("%.4f", entry.USD))
	return entry
}

// DailySpend returns today's UTC spend.
func (l *Ledger) DailySpend() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.daily[l.now().UTC().Format("2006-01-02")]
}

// MonthlySpend returns this UTC month's spend.
func (l *Ledger) MonthlySpend() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.monthly[l.now().UTC().Format("2006-01")]
}

// Close closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// SetClock overrides the time source. Test helper.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
