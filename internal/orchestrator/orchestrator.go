// Package orchestrator runs the job pipeline: validate, plan, route,
// produce, gate, persist. One job at a time holds the production mutex;
// everything a job spends or breaks is accounted before dispatch.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/gate"
	"github.com/inkhaus/autopress/internal/guard"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/packet"
	"github.com/inkhaus/autopress/internal/router"
	"github.com/inkhaus/autopress/internal/ticket"
	"github.com/inkhaus/autopress/internal/worker"
)

// ResultSink persists finished jobs. The sqlite repository and the JSON
// exporter both implement it; tests use in-memory fakes.
type ResultSink interface {
	Save(result *ticket.JobResult) error
}

// Orchestrator owns the job queue and the production resources.
type Orchestrator struct {
	cfg      config.Config
	workers  worker.Set
	mutex    *guard.FIFOMutex
	breakers *guard.Breakers
	ledger   *guard.Ledger
	pipeline *gate.Pipeline
	planner  gate.Invoker
	sinks    []ResultSink
	timeouts packet.Timeouts
	tracer   trace.Tracer

	queue chan *queuedJob
}

type queuedJob struct {
	ticket *ticket.JobTicket
	done   chan *ticket.JobResult
}

// Options collects the orchestrator's collaborators.
type Options struct {
	Workers  worker.Set
	Breakers *guard.Breakers
	Ledger   *guard.Ledger
	Pipeline *gate.Pipeline
	// Planner is the pre-generation planning invoker. Nil skips planning.
	Planner gate.Invoker
	Sinks   []ResultSink
	Tracer  trace.Tracer
}

// New builds an orchestrator. A nil Pipeline gets the default layer set.
func New(cfg config.Config, opts Options) *Orchestrator {
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = gate.NewPipeline(gate.DefaultLayers(cfg.QA)...)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("autopress")
	}
	queueSize := cfg.Orchestrator.QueueSize
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Orchestrator{
		cfg:      cfg,
		workers:  opts.Workers,
		mutex:    guard.NewFIFOMutex(),
		breakers: opts.Breakers,
		ledger:   opts.Ledger,
		pipeline: pipeline,
		planner:  opts.Planner,
		sinks:    opts.Sinks,
		timeouts: packet.NewTimeouts(cfg.TimeoutsMS),
		tracer:   tracer,
		queue:    make(chan *queuedJob, queueSize),
	}
}

// Submit validates, normalizes, and enqueues a raw ticket. The returned
// channel yields the JobResult when the job finishes. Submission fails
// fast when the ticket is invalid or the queue is full.
func (o *Orchestrator) Submit(raw []byte) (<-chan *ticket.JobResult, error) {
	t, err := ticket.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := ticket.Normalize(t, o.cfg); err != nil {
		return nil, err
	}
	return o.SubmitTicket(t)
}

// SubmitTicket enqueues an already-normalized ticket.
func (o *Orchestrator) SubmitTicket(t *ticket.JobTicket) (<-chan *ticket.JobResult, error) {
	job := &queuedJob{ticket: t, done: make(chan *ticket.JobResult, 1)}
	select {
	case o.queue <- job:
		log.Info(log.CatOrch, "job queued", "job", t.ID, "depth", len(o.queue))
		return job.done, nil
	default:
		return nil, autoerr.E(autoerr.CodeNoWorkerAvailable, "job queue is full (%d pending)", len(o.queue)).
			WithAction("retry after in-flight jobs drain")
	}
}

// Run consumes the queue until ctx is canceled. Jobs already dequeued
// finish under their own deadline.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-o.queue:
			result, _ := o.Execute(ctx, job.ticket)
			job.done <- result
		}
	}
}

// Execute runs one job to completion and persists its result. The
// returned JobResult always carries the outcome, timings, costs, and
// (when the gate ran) the scorecard; the error mirrors the chain for
// callers that map failures to exit codes.
func (o *Orchestrator) Execute(ctx context.Context, t *ticket.JobTicket) (*ticket.JobResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.jobBudget(t))
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "job",
		trace.WithAttributes(
			attribute.String("job.id", t.ID),
			attribute.String("job.type", string(t.JobType)),
		))
	defer span.End()

	result := &ticket.JobResult{JobID: t.ID}
	if sc := span.SpanContext(); sc.HasTraceID() {
		result.TraceID = sc.TraceID().String()
	}

	err := o.run(ctx, t, result)
	result.FinishedAt = time.Now().UTC()
	if err != nil {
		result.Outcome = ticket.OutcomeFailure
		result.ErrorChain = chainOf(err)
		log.ErrorErr(log.CatOrch, "job failed", err, "job", t.ID, "code", autoerr.CodeOf(err))
	} else {
		result.Outcome = ticket.OutcomeSuccess
		log.Info(log.CatOrch, "job succeeded", "job", t.ID, "worker", result.WorkerKind,
			"artifacts", len(result.Artifacts))
	}

	for _, sink := range o.sinks {
		if saveErr := sink.Save(result); saveErr != nil {
			log.ErrorErr(log.CatOrch, "persisting job result", saveErr, "job", t.ID)
		}
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, t *ticket.JobTicket, result *ticket.JobResult) error {
	stages := newStageClock(result)

	// Planning runs before any backend is chosen: asset preparation and
	// layout planning feed every worker kind the same way.
	if err := o.plan(ctx, t); err != nil {
		return err
	}
	stages.mark("planning")

	decision, err := router.Decide(t, o.workers.Serverless != nil)
	if err != nil {
		return err
	}
	result.WorkerKind = decision.Kind
	stages.mark("routing")

	w := o.workers.ByKind(decision.Kind)
	if w == nil {
		logFailsafe(t, decision)
		return autoerr.E(autoerr.CodeNoWorkerAvailable, "no %s worker configured", decision.Kind).
			WithAction("configure the backend or change the ticket's worker preference")
	}

	// Local and multi-server production serialize on the global mutex;
	// the desktop application and the tool chain are single-tenant.
	if decision.Kind != worker.KindServerless {
		if err := o.mutex.Acquire(ctx, t.ID); err != nil {
			return err
		}
		defer o.mutex.Release()
	}
	stages.mark("mutex")

	produced, err := o.produce(ctx, t, w)
	if err != nil {
		logFailsafe(t, decision)
		return err
	}
	stages.mark("production")
	if produced.CostUSD > 0 {
		result.Costs = append(result.Costs, ticket.CostItem{Service: w.ServiceTag(), USD: produced.CostUSD})
	}
	if produced.ReportedScore > 0 {
		log.Debug(log.CatOrch, "nested tool reported score", "job", t.ID,
			"score", fmt.Sprintf("%.3f", produced.ReportedScore))
	}

	card, artifact, err := o.validate(ctx, t, produced.ArtifactPath)
	result.Scorecard = card
	stages.mark("validation")
	if err != nil {
		return err
	}
	if !card.Passed {
		result.Artifacts = append(result.Artifacts, artifact)
		return gate.FailureError(card)
	}

	result.Artifacts = append(result.Artifacts, artifact)
	return nil
}

// plan runs the pre-generation planning stage, filling in asset paths.
func (o *Orchestrator) plan(ctx context.Context, t *ticket.JobTicket) error {
	if o.planner == nil {
		return nil
	}
	res, err := o.planner.Invoke(ctx, gate.LayerPlanning, t.Resolved.OutputPath, o.gateConfig(t))
	if err != nil {
		return autoerr.Wrap(autoerr.CodeInfrastructureError, err, "planning stage failed")
	}
	if !res.Passed && res.Threshold > 0 {
		return autoerr.E(autoerr.CodeValidationFailed, "planning rejected ticket %s", t.ID).
			WithAction("fix the ticket content and resubmit")
	}
	if len(res.Details) > 0 {
		var planned struct {
			AssetPaths []string `json:"assetPaths"`
		}
		if jsonErr := json.Unmarshal(res.Details, &planned); jsonErr == nil && len(planned.AssetPaths) > 0 {
			t.Resolved.AssetPaths = planned.AssetPaths
		}
	}
	return nil
}

// produce dispatches to the worker under breaker and budget control.
func (o *Orchestrator) produce(ctx context.Context, t *ticket.JobTicket, w worker.Worker) (*worker.Result, error) {
	service := w.ServiceTag()
	if o.ledger != nil {
		if err := o.ledger.Authorize(service, w.EstimatedCostUSD(t)); err != nil {
			return nil, err
		}
	}

	var produced *worker.Result
	run := func() error {
		var err error
		produced, err = w.Produce(ctx, t)
		return err
	}

	var err error
	if o.breakers != nil {
		err = o.breakers.Do(service, run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, err
	}

	if o.ledger != nil && produced.CostUSD > 0 {
		o.ledger.Record(service, 1, produced.CostUSD)
	}
	return produced, nil
}

// validate re-runs the full quality gate against the produced artifact.
// Any score a nested tool reported is ignored here: the local gate is
// authoritative.
func (o *Orchestrator) validate(ctx context.Context, t *ticket.JobTicket, artifact string) (*ticket.Scorecard, string, error) {
	return o.pipeline.Run(ctx, t.ID, artifact, o.gateConfig(t))
}

// gateConfig merges ticket overrides into the configured gate settings.
func (o *Orchestrator) gateConfig(t *ticket.JobTicket) gate.Config {
	cfg := gate.Config{
		AggregateThreshold: t.Resolved.Threshold,
		RubricFloor:        t.Resolved.RubricFloor,
		RubricScale:        o.cfg.QA.RubricScale,
		MaxDiffPercent:     o.cfg.QA.MaxDiffPercent,
		BaselineDir:        o.cfg.QA.BaselineDir,
		ReportDir:          o.cfg.Paths.ScorecardRoot,
		LayerThresholds:    map[string]float64{},
		Flags:              map[string]bool{},
	}
	for id, v := range o.cfg.QA.LayerThresholds {
		cfg.LayerThresholds[id] = v
	}
	for id, v := range o.cfg.Flags {
		cfg.Flags[id] = v
	}
	if t.QA != nil {
		for id, v := range t.QA.Layers {
			cfg.LayerThresholds[id] = v
		}
	}
	for id, v := range t.FeatureFlags {
		cfg.Flags[id] = v
	}
	return cfg
}

// jobBudget is the whole-job deadline: the production command classes a
// job can exercise plus a validation allowance, scaled by the grace
// factor.
func (o *Orchestrator) jobBudget(t *ticket.JobTicket) time.Duration {
	timeouts := o.timeouts
	if len(t.TimeoutsMS) > 0 {
		timeouts = packet.NewTimeouts(mergeTimeouts(o.cfg.TimeoutsMS, t.TimeoutsMS))
	}
	budget := timeouts.ForClass(packet.ClassCreate) +
		timeouts.ForClass(packet.ClassText) +
		timeouts.ForClass(packet.ClassExport) +
		timeouts.ForClass(packet.ClassCapture)
	// Validation allowance covers the slowest gate configuration.
	budget += 10 * time.Minute

	factor := o.cfg.Orchestrator.JobGraceFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(budget) * factor)
}

func mergeTimeouts(base, override map[string]int64) map[string]int64 {
	merged := make(map[string]int64, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// logFailsafe records that a no-fallback routing decision held after a
// production failure: the job fails outright rather than re-routing to
// another backend.
func logFailsafe(t *ticket.JobTicket, decision router.Decision) {
	if !decision.NoFallback {
		return
	}
	log.Warn(log.CatOrch, "failsafe prevented fallback", "job", t.ID,
		"rule", decision.Rule, "kind", decision.Kind, "workflow", decision.Workflow)
}

// chainOf flattens an error into outermost-first messages.
func chainOf(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
