package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inkhaus/autopress/internal/ticket"
)

// ErrNotFound is returned when no result exists for a job id.
var ErrNotFound = errors.New("job result not found")

const resultColumns = `job_id, outcome, worker_kind, trace_id, artifacts, error_chain, timings, costs, cost_usd, finished_at`

// resultModel is the database row for the job_results table. JSON-valued
// columns carry the slice fields; timestamps are Unix seconds.
type resultModel struct {
	JobID      string
	Outcome    string
	WorkerKind string
	TraceID    string
	Artifacts  *string
	ErrorChain *string
	Timings    *string
	Costs      *string
	CostUSD    float64
	FinishedAt int64
}

func toResultModel(r *ticket.JobResult) *resultModel {
	m := &resultModel{
		JobID:      r.JobID,
		Outcome:    string(r.Outcome),
		WorkerKind: r.WorkerKind,
		TraceID:    r.TraceID,
		FinishedAt: r.FinishedAt.Unix(),
	}
	m.Artifacts = marshalOrNil(r.Artifacts)
	m.ErrorChain = marshalOrNil(r.ErrorChain)
	m.Timings = marshalOrNil(r.Timings)
	m.Costs = marshalOrNil(r.Costs)
	for _, c := range r.Costs {
		m.CostUSD += c.USD
	}
	return m
}

func (m *resultModel) toDomain() *ticket.JobResult {
	r := &ticket.JobResult{
		JobID:      m.JobID,
		Outcome:    ticket.Outcome(m.Outcome),
		WorkerKind: m.WorkerKind,
		TraceID:    m.TraceID,
		FinishedAt: time.Unix(m.FinishedAt, 0).UTC(),
	}
	unmarshalIfSet(m.Artifacts, &r.Artifacts)
	unmarshalIfSet(m.ErrorChain, &r.ErrorChain)
	unmarshalIfSet(m.Timings, &r.Timings)
	unmarshalIfSet(m.Costs, &r.Costs)
	return r
}

func marshalOrNil[T any](v []T) *string {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func unmarshalIfSet[T any](s *string, dst *[]T) {
	if s != nil {
		_ = json.Unmarshal([]byte(*s), dst)
	}
}

// ResultRepository persists JobResult records and their scorecards.
type ResultRepository struct {
	db *sql.DB
}

// NewResultRepository creates a repository over an open database.
func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Save writes the result and its scorecard in one transaction.
// Saving the same job id again replaces the previous record, which
// keeps idempotent resubmissions from accumulating rows.
func (r *ResultRepository) Save(result *ticket.JobResult) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m := toResultModel(result)
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO job_results (`+resultColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.JobID, m.Outcome, m.WorkerKind, m.TraceID,
		m.Artifacts, m.ErrorChain, m.Timings, m.Costs, m.CostUSD, m.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job result: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM layer_scores WHERE job_id = ?`, m.JobID); err != nil {
		return fmt.Errorf("clearing layer scores: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM scorecards WHERE job_id = ?`, m.JobID); err != nil {
		return fmt.Errorf("clearing scorecard: %w", err)
	}

	if card := result.Scorecard; card != nil {
		_, err = tx.Exec(
			`INSERT INTO scorecards (job_id, aggregate, threshold, passed) VALUES (?, ?, ?, ?)`,
			m.JobID, card.Aggregate, card.Threshold, card.Passed,
		)
		if err != nil {
			return fmt.Errorf("inserting scorecard: %w", err)
		}
		for i, l := range card.Layers {
			_, err = tx.Exec(
				`INSERT INTO layer_scores (job_id, position, layer_id, enabled, score, passed, threshold, rubric_score, report_path, duration_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.JobID, i, l.LayerID, l.Enabled, l.Score, l.Passed, l.Threshold,
				l.RubricScore, l.ReportPath, l.Duration.Milliseconds(),
			)
			if err != nil {
				return fmt.Errorf("inserting layer score: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing save: %w", err)
	}
	return nil
}

// FindByJobID loads one result with its scorecard.
func (r *ResultRepository) FindByJobID(jobID string) (*ticket.JobResult, error) {
	row := r.db.QueryRow(`SELECT `+resultColumns+` FROM job_results WHERE job_id = ?`, jobID)
	m, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding job result: %w", err)
	}

	result := m.toDomain()
	card, err := r.loadScorecard(jobID)
	if err != nil {
		return nil, err
	}
	result.Scorecard = card
	return result, nil
}

// ListRecent returns up to limit results, newest first.
func (r *ResultRepository) ListRecent(limit int) ([]*ticket.JobResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(
		`SELECT `+resultColumns+` FROM job_results ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing job results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*ticket.JobResult
	for rows.Next() {
		m, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job result row: %w", err)
		}
		results = append(results, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job result rows: %w", err)
	}
	return results, nil
}

func scanResult(scanner interface{ Scan(...any) error }) (*resultModel, error) {
	var m resultModel
	err := scanner.Scan(
		&m.JobID, &m.Outcome, &m.WorkerKind, &m.TraceID,
		&m.Artifacts, &m.ErrorChain, &m.Timings, &m.Costs, &m.CostUSD, &m.FinishedAt,
	)
	return &m, err
}

func (r *ResultRepository) loadScorecard(jobID string) (*ticket.Scorecard, error) {
	row := r.db.QueryRow(`SELECT aggregate, threshold, passed FROM scorecards WHERE job_id = ?`, jobID)
	card := &ticket.Scorecard{JobID: jobID}
	err := row.Scan(&card.Aggregate, &card.Threshold, &card.Passed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading scorecard: %w", err)
	}

	rows, err := r.db.Query(
		`SELECT layer_id, enabled, score, passed, threshold, rubric_score, report_path, duration_ms
		 FROM layer_scores WHERE job_id = ? ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading layer scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var l ticket.LayerScore
		var durationMS int64
		if err := rows.Scan(&l.LayerID, &l.Enabled, &l.Score, &l.Passed, &l.Threshold,
			&l.RubricScore, &l.ReportPath, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning layer score: %w", err)
		}
		l.Duration = time.Duration(durationMS) * time.Millisecond
		card.Layers = append(card.Layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating layer scores: %w", err)
	}
	return card, nil
}
