package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/ticket"
)

// Exporter writes the per-job JSON files external tooling reads. Each
// job gets one result file under the history root and, when a scorecard
// exists, one scorecard file under the scorecard root.
type Exporter struct {
	historyRoot   string
	scorecardRoot string
}

// NewExporter creates an exporter over the two roots.
func NewExporter(historyRoot, scorecardRoot string) *Exporter {
	return &Exporter{historyRoot: historyRoot, scorecardRoot: scorecardRoot}
}

// Save writes the result and scorecard files. Files are written to a
// temp name and renamed so readers never see a partial document.
func (e *Exporter) Save(result *ticket.JobResult) error {
	path := filepath.Join(e.historyRoot, result.JobID+".json")
	if err := writeJSON(path, result); err != nil {
		return fmt.Errorf("exporting job result: %w", err)
	}
	if result.Scorecard != nil {
		cardPath := filepath.Join(e.scorecardRoot, result.JobID+".json")
		if err := writeJSON(cardPath, result.Scorecard); err != nil {
			return fmt.Errorf("exporting scorecard: %w", err)
		}
	}
	log.Debug(log.CatStore, "exported job files", "job", result.JobID)
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
