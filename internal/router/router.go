// Package router maps a normalized ticket onto a worker kind. Routing
// is deterministic and first-match; no rule ever substitutes a cheaper
// backend for an explicit preference, and failures downstream never
// re-enter the router.
package router

import (
	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/ticket"
	"github.com/inkhaus/autopress/internal/worker"
)

// Decision is the routing outcome for one ticket.
type Decision struct {
	// Kind is the selected worker backend.
	Kind string
	// WorldClass marks the hardened local path: full gate, raised floor.
	WorldClass bool
	// NoFallback forbids any backend substitution on failure.
	NoFallback bool
	// Workflow is the multi-server workflow name, when Kind is multi-server.
	Workflow string
	// Rule names the matched rule, for the audit log.
	Rule string
}

// Decide routes a normalized ticket. haveServerless reports whether a
// serverless backend is configured; the auto rule falls back to local
// only at decision time, never after dispatch.
func Decide(t *ticket.JobTicket, haveServerless bool) (Decision, error) {
	d, err := decide(t, haveServerless)
	if err != nil {
		return Decision{}, err
	}
	log.Info(log.CatRouter, "routed", "job", t.ID, "kind", d.Kind, "rule", d.Rule,
		"worldClass", d.WorldClass, "noFallback", d.NoFallback)
	return d, nil
}

func decide(t *ticket.JobTicket, haveServerless bool) (Decision, error) {
	// Rule 1: world-class always runs on the hardened local path, even
	// when the ticket asked for batch.
	if t.WorldClass {
		if t.Worker == ticket.WorkerServerless {
			return Decision{}, autoerr.E(autoerr.CodeValidationError,
				"worldClass tickets cannot run on the serverless backend").
				WithAction("drop worldClass or change the worker preference")
		}
		if t.ForcesMultiServer() {
			return Decision{
				Kind:       worker.KindMultiServer,
				WorldClass: true,
				NoFallback: true,
				Workflow:   workflowOf(t),
				Rule:       "world-class-multi-server",
			}, nil
		}
		return Decision{Kind: worker.KindLocal, WorldClass: true, NoFallback: true, Rule: "world-class"}, nil
	}

	// Rule 2: mcpMode, TFU style, or a declared workflow forces the
	// multi-server path with no fallback.
	if t.ForcesMultiServer() {
		return Decision{
			Kind:       worker.KindMultiServer,
			NoFallback: true,
			Workflow:   workflowOf(t),
			Rule:       "forced-multi-server",
		}, nil
	}

	// Rule 3: explicit local preference, or report-class work at high
	// quality, stays on the desktop application.
	if t.Worker == ticket.WorkerLocal {
		return Decision{Kind: worker.KindLocal, Rule: "local-preference"}, nil
	}
	if t.Quality == ticket.QualityHigh && t.JobType.IsReportClass() {
		return Decision{Kind: worker.KindLocal, Rule: "high-quality-report"}, nil
	}

	// Rule 4: explicit serverless preference requires the backend; auto
	// takes serverless when configured, otherwise local.
	if t.Worker == ticket.WorkerServerless {
		if !haveServerless {
			return Decision{}, autoerr.E(autoerr.CodeNoWorkerAvailable,
				"ticket requests serverless-batch but no endpoint is configured").
				WithAction("configure workers.serverless.endpoint or change the preference")
		}
		return Decision{Kind: worker.KindServerless, Rule: "serverless-preference"}, nil
	}
	if haveServerless {
		return Decision{Kind: worker.KindServerless, Rule: "auto-serverless"}, nil
	}
	return Decision{Kind: worker.KindLocal, Rule: "auto-local"}, nil
}

func workflowOf(t *ticket.JobTicket) string {
	if wf := t.WorkflowName(); wf != "" {
		return wf
	}
	if t.Style == ticket.StyleTFU {
		return "tfu"
	}
	return ""
}
