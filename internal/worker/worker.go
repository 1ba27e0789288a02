// Package worker defines the execution backends a job can be routed to.
// Each worker produces an artifact from a ticket; routing, serialization,
// budget, and breaker policy live above in the router and orchestrator.
package worker

import (
	"context"

	"github.com/inkhaus/autopress/internal/ticket"
)

// Kind tags for the three backends.
const (
	KindLocal       = "local-interactive"
	KindServerless  = "serverless-batch"
	KindMultiServer = "multi-server"
)

// Result is what a worker hands back on success.
type Result struct {
	// ArtifactPath is the produced document.
	ArtifactPath string
	// ReportedScore is a nested tool's self-reported aggregate, if it
	// supplied one. Informational only: the local quality gate is
	// authoritative and always re-runs.
	ReportedScore float64
	// CostUSD is the actual spend recorded against the ledger.
	CostUSD float64
}

// Worker produces an artifact for a ticket.
type Worker interface {
	// Kind returns the backend tag.
	Kind() string
	// ServiceTag names the external service for breaker/ledger scoping.
	ServiceTag() string
	// EstimatedCostUSD is charged against the budget before dispatch.
	EstimatedCostUSD(t *ticket.JobTicket) float64
	// Produce runs the job. Failures are coded errors; the router never
	// substitutes another worker on failure.
	Produce(ctx context.Context, t *ticket.JobTicket) (*Result, error)
}

// Set holds the configured workers. A nil field means the backend is
// not configured.
type Set struct {
	Local       Worker
	Serverless  Worker
	MultiServer Worker
}

// ByKind returns the worker for a kind tag, or nil.
func (s Set) ByKind(kind string) Worker {
	switch kind {
	case KindLocal:
		return s.Local
	case KindServerless:
		return s.Serverless
	case KindMultiServer:
		return s.MultiServer
	}
	return nil
}
