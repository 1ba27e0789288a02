package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/gate"
	"github.com/inkhaus/autopress/internal/guard"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/orchestrator"
	"github.com/inkhaus/autopress/internal/store"
	"github.com/inkhaus/autopress/internal/ticket"
	"github.com/inkhaus/autopress/internal/tracing"
	"github.com/inkhaus/autopress/internal/worker"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate <ticket.json>",
	Short: "Run one job ticket through production and the quality gate",
	Long: `Orchestrate validates the ticket, routes it to a worker, produces the
document, and runs the full quality gate against the artifact. The exit
code distinguishes outcomes:

  0  artifact produced and the gate passed
  1  ticket or artifact failed validation
  2  a dependency failed (transport, worker, budget, lock)
  3  validator tooling broke`,
	Args: cobra.ExactArgs(1),
	RunE: runOrchestrate,
}

var (
	orchDryRun     bool
	orchThreshold  float64
	orchConfidence float64
	orchErrorRate  float64
	orchWorker     string
)

func init() {
	rootCmd.AddCommand(orchestrateCmd)

	orchestrateCmd.Flags().BoolVar(&orchDryRun, "dry-run", false,
		"validate and route the ticket without producing anything")
	orchestrateCmd.Flags().Float64Var(&orchThreshold, "threshold", 0,
		"override the aggregate quality threshold (raised to the world-class floor when applicable)")
	orchestrateCmd.Flags().Float64Var(&orchConfidence, "confidence", 0,
		"minimum confidence for the vision critique layer")
	orchestrateCmd.Flags().Float64Var(&orchErrorRate, "error-rate", 0,
		"maximum tolerated pixel error rate (the pixel layer threshold becomes 1-rate)")
	orchestrateCmd.Flags().StringVar(&orchWorker, "worker", "",
		"override the ticket's worker preference")
}

func runOrchestrate(_ *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return autoerr.Wrap(autoerr.CodeValidationError, err, "reading ticket %s", args[0])
	}

	t, err := ticket.Parse(raw)
	if err != nil {
		return err
	}
	applyTicketOverrides(t)
	if err := ticket.Normalize(t, cfg); err != nil {
		return err
	}

	if orchDryRun {
		return printDryRun(t)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, cleanup, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	result, runErr := orch.Execute(ctx, t)
	printResult(result)
	return runErr
}

func applyTicketOverrides(t *ticket.JobTicket) {
	if orchThreshold > 0 {
		ensureQA(t).Threshold = orchThreshold
	}
	if orchConfidence > 0 {
		setLayerOverride(t, gate.LayerVisionCritique, orchConfidence)
	}
	if orchErrorRate > 0 {
		setLayerOverride(t, gate.LayerPixelChecks, 1-orchErrorRate)
	}
	if orchWorker != "" {
		t.Worker = ticket.WorkerPreference(orchWorker)
	}
}

func ensureQA(t *ticket.JobTicket) *ticket.QASpec {
	if t.QA == nil {
		t.QA = &ticket.QASpec{}
	}
	return t.QA
}

func setLayerOverride(t *ticket.JobTicket, layer string, threshold float64) {
	qa := ensureQA(t)
	if qa.Layers == nil {
		qa.Layers = map[string]float64{}
	}
	qa.Layers[layer] = threshold
}

func printDryRun(t *ticket.JobTicket) error {
	out := map[string]any{
		"valid":  true,
		"ticket": t,
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
	return nil
}

func printResult(result *ticket.JobResult) {
	if result == nil {
		return
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// buildOrchestrator assembles the full production stack from config.
// The returned cleanup closes the database, ledger, and tracer.
func buildOrchestrator(cfg config.Config) (*orchestrator.Orchestrator, func(), error) {
	ledger, err := guard.NewLedger(cfg.Budget, cfg.Paths.LedgerPath, func(msg string) {
		log.Warn(log.CatGuard, "budget alert", "alert", msg)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening budget ledger: %w", err)
	}

	db, err := store.NewDB(cfg.Paths.DBPath)
	if err != nil {
		ledger.Close()
		return nil, nil, err
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		_ = db.Close()
		ledger.Close()
		return nil, nil, err
	}

	workers := worker.Set{
		Local: worker.NewLocalWorker(cfg.Workers),
	}
	if w := worker.NewServerlessWorker(cfg.Workers.Serverless); w != nil {
		workers.Serverless = w
	}
	if w := worker.NewMultiServerWorker(cfg.Workers); w != nil {
		workers.MultiServer = w
	}

	var planner gate.Invoker
	if cmd, ok := cfg.QA.Validators[gate.LayerPlanning]; ok && cmd != "" {
		planner = gate.SubprocessInvoker{Command: cmd}
	}

	orch := orchestrator.New(cfg, orchestrator.Options{
		Workers:  workers,
		Breakers: guard.NewBreakers(cfg.Breaker),
		Ledger:   ledger,
		Planner:  planner,
		Sinks: []orchestrator.ResultSink{
			store.NewResultRepository(db),
			store.NewExporter(cfg.Paths.HistoryRoot, cfg.Paths.ScorecardRoot),
		},
		Tracer: provider.Tracer(),
	})

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatOrch, "shutting down tracer", err)
		}
		if err := db.Close(); err != nil {
			log.ErrorErr(log.CatStore, "closing database", err)
		}
		if err := ledger.Close(); err != nil {
			log.ErrorErr(log.CatGuard, "closing ledger", err)
		}
	}
	return orch, cleanup, nil
}
