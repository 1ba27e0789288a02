package store_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkhaus/autopress/internal/store"
	"github.com/inkhaus/autopress/internal/testutil"
	"github.com/inkhaus/autopress/internal/ticket"
)

func sampleResult(jobID string) *ticket.JobResult {
	return &ticket.JobResult{
		JobID:      jobID,
		Outcome:    ticket.OutcomeSuccess,
		WorkerKind: "local-interactive",
		TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
		Artifacts:  []string{"/out/" + jobID + ".pdf"},
		Timings: []ticket.StageTiming{
			{Stage: "production", Duration: 42 * time.Second},
			{Stage: "validation", Duration: 9 * time.Second},
		},
		Costs:      []ticket.CostItem{{Service: "serverless-pdf", USD: 0.05}},
		FinishedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Scorecard: &ticket.Scorecard{
			JobID:     jobID,
			Aggregate: 0.94,
			Threshold: 0.90,
			Passed:    true,
			Layers: []ticket.LayerScore{
				{LayerID: "content-rubric", Enabled: true, Score: 0.95, Passed: true, Threshold: 0.85, RubricScore: 142, Duration: 3 * time.Second},
				{LayerID: "pixel-checks", Enabled: true, Score: 0.93, Passed: true, Threshold: 0.90, ReportPath: "/reports/pixel.json"},
				{LayerID: "accessibility", Enabled: false},
			},
		},
	}
}

func TestResultRepository_SaveAndFind(t *testing.T) {
	repo := store.NewResultRepository(testutil.NewTestDB(t))

	want := sampleResult("j1")
	require.NoError(t, repo.Save(want))

	got, err := repo.FindByJobID("j1")
	require.NoError(t, err)
	require.Equal(t, want.JobID, got.JobID)
	require.Equal(t, want.Outcome, got.Outcome)
	require.Equal(t, want.WorkerKind, got.WorkerKind)
	require.Equal(t, want.TraceID, got.TraceID)
	require.Equal(t, want.Artifacts, got.Artifacts)
	require.Equal(t, want.Timings, got.Timings)
	require.Equal(t, want.Costs, got.Costs)
	require.True(t, want.FinishedAt.Equal(got.FinishedAt))

	require.NotNil(t, got.Scorecard)
	require.Equal(t, want.Scorecard.Layers, got.Scorecard.Layers)
	require.InDelta(t, 0.94, got.Scorecard.Aggregate, 0.001)
	require.True(t, got.Scorecard.Passed)
}

func TestResultRepository_FindMissing(t *testing.T) {
	repo := store.NewResultRepository(testutil.NewTestDB(t))
	_, err := repo.FindByJobID("nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestResultRepository_SaveReplacesPreviousRecord(t *testing.T) {
	repo := store.NewResultRepository(testutil.NewTestDB(t))

	first := sampleResult("j1")
	require.NoError(t, repo.Save(first))

	second := sampleResult("j1")
	second.Outcome = ticket.OutcomeFailure
	second.ErrorChain = []string{"layer pixel-checks scored 0.500 below threshold 0.900"}
	second.Scorecard.Passed = false
	second.Scorecard.Layers = second.Scorecard.Layers[:1]
	require.NoError(t, repo.Save(second))

	got, err := repo.FindByJobID("j1")
	require.NoError(t, err)
	require.Equal(t, ticket.OutcomeFailure, got.Outcome)
	require.Equal(t, second.ErrorChain, got.ErrorChain)
	require.Len(t, got.Scorecard.Layers, 1, "stale layer rows are cleared on replace")

	all, err := repo.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestResultRepository_ResultWithoutScorecard(t *testing.T) {
	repo := store.NewResultRepository(testutil.NewTestDB(t))

	want := sampleResult("j1")
	want.Scorecard = nil
	require.NoError(t, repo.Save(want))

	got, err := repo.FindByJobID("j1")
	require.NoError(t, err)
	require.Nil(t, got.Scorecard)
}

func TestResultRepository_ListRecentNewestFirst(t *testing.T) {
	repo := store.NewResultRepository(testutil.NewTestDB(t))

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		r := sampleResult(id)
		r.Scorecard = nil
		r.FinishedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, repo.Save(r))
	}

	results, err := repo.ListRecent(2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "new", results[0].JobID)
	require.Equal(t, "mid", results[1].JobID)
}

func TestExporter_WritesHistoryAndScorecard(t *testing.T) {
	dir := t.TempDir()
	historyRoot := filepath.Join(dir, "history")
	scorecardRoot := filepath.Join(dir, "scorecards")
	exp := store.NewExporter(historyRoot, scorecardRoot)

	result := sampleResult("j1")
	require.NoError(t, exp.Save(result))

	var history ticket.JobResult
	data, err := os.ReadFile(filepath.Join(historyRoot, "j1.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &history))
	require.Equal(t, "j1", history.JobID)
	require.Equal(t, result.Artifacts, history.Artifacts)

	var card ticket.Scorecard
	data, err = os.ReadFile(filepath.Join(scorecardRoot, "j1.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &card))
	require.InDelta(t, 0.94, card.Aggregate, 0.001)
}

func TestExporter_NoScorecardFile(t *testing.T) {
	dir := t.TempDir()
	exp := store.NewExporter(filepath.Join(dir, "history"), filepath.Join(dir, "scorecards"))

	result := sampleResult("j1")
	result.Scorecard = nil
	require.NoError(t, exp.Save(result))

	_, err := os.Stat(filepath.Join(dir, "scorecards", "j1.json"))
	require.True(t, os.IsNotExist(err))
}

func TestNewDB_MigratesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopress.db")

	db, err := store.NewDB(path)
	require.NoError(t, err)
	repo := store.NewResultRepository(db)
	require.NoError(t, repo.Save(sampleResult("j1")))
	require.NoError(t, db.Close())

	// Reopening runs migrations again as a no-op and keeps the data.
	db, err = store.NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	got, err := store.NewResultRepository(db).FindByJobID("j1")
	require.NoError(t, err)
	require.Equal(t, "j1", got.JobID)
}
