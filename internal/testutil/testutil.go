// Package testutil provides shared test fixtures: a migrated results
// database, canonical tickets, and a config with every path rooted in a
// temp directory.
package testutil

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/store"
	"github.com/inkhaus/autopress/internal/ticket"
)

// NewTestDB creates a migrated results database in a temp directory.
// The caller owns the returned handle; it is closed on test cleanup.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "autopress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestConfig returns defaults with every filesystem path under dir.
func TestConfig(t *testing.T, dir string) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Paths.AllowedRoots = []string{filepath.Join(dir, "out")}
	cfg.Paths.HistoryRoot = filepath.Join(dir, "history")
	cfg.Paths.ScorecardRoot = filepath.Join(dir, "scorecards")
	cfg.Paths.LedgerPath = filepath.Join(dir, "ledger.jsonl")
	cfg.Paths.DBPath = filepath.Join(dir, "autopress.db")
	cfg.Paths.LogPath = filepath.Join(dir, "autopress.log")
	return cfg
}

// Ticket builds a minimal valid ticket for the given job id, with the
// output path inside the config's first allowed root.
func Ticket(t *testing.T, cfg config.Config, id string) *ticket.JobTicket {
	t.Helper()
	raw := RawTicket(cfg, id)
	parsed, err := ticket.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, ticket.Normalize(parsed, cfg))
	return parsed
}

// RawTicket returns the JSON encoding of a minimal valid ticket.
func RawTicket(cfg config.Config, id string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"id":      id,
		"jobType": "generic",
		"output": map[string]any{
			"path": filepath.Join(cfg.Paths.AllowedRoots[0], id+".pdf"),
		},
	})
	return raw
}
