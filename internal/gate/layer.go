// Package gate implements the multi-layer quality gate pipeline that
// stands between a produced artifact and a successful job. Layers are
// black boxes behind the LayerResult contract: the pipeline cares about
// scores and pass/fail, never about which binary produced them.
package gate

import (
	"context"
	"encoding/json"
	"time"
)

// Canonical layer ids, in pipeline order. Planning runs before worker
// dispatch and is driven by the orchestrator, not this pipeline.
const (
	LayerPlanning         = "planning"
	LayerContentRubric    = "content-rubric"
	LayerPixelChecks      = "pixel-checks"
	LayerVisualRegression = "visual-regression"
	LayerDesignAnalysis   = "design-analysis"
	LayerVisionCritique   = "vision-critique"
	LayerAccessibility    = "accessibility"
	LayerRemediation      = "remediation"
)

// Layer exit codes at the process boundary.
const (
	ExitPass           = 0
	ExitValidationFail = 1
	ExitInfrastructure = 3
)

// Config is the resolved gate configuration for one job.
type Config struct {
	// AggregateThreshold is the effective tier threshold (world-class
	// floor already applied).
	AggregateThreshold float64
	// RubricFloor is the ordinal pass bar for the content rubric when
	// the job is world-class; zero means the layer threshold applies.
	RubricFloor int
	// RubricScale maps ordinal rubric scores into [0,1] for the
	// aggregate.
	RubricScale int
	// LayerThresholds overrides per-layer minimum scores.
	LayerThresholds map[string]float64
	// Flags enables or disables layers by id.
	Flags map[string]bool
	// MaxDiffPercent is the visual regression pass bar.
	MaxDiffPercent float64
	// BaselineDir holds named regression baselines.
	BaselineDir string
	// Baseline names the regression baseline for this job.
	Baseline string
	// ReportDir receives per-layer raw reports.
	ReportDir string
}

// Threshold returns the min score for a layer, with a default.
func (c Config) Threshold(layerID string, def float64) float64 {
	if v, ok := c.LayerThresholds[layerID]; ok {
		return v
	}
	return def
}

// LayerResult is the typed output of one layer run.
type LayerResult struct {
	// Score in [0,1] for real-valued layers; derived for ordinal ones.
	Score float64
	// RubricScore is set only by ordinal layers (0-150 rubric).
	RubricScore int
	Passed      bool
	Threshold   float64
	ReportPath  string
	Details     json.RawMessage
	Duration    time.Duration
	// NewArtifact is set by remediation layers that produced a fixed
	// artifact; the pipeline re-validates it from this layer forward.
	NewArtifact string
}

// Layer is one validation stage. Run must not mutate the artifact; a
// returned error means the layer's tooling broke (INFRASTRUCTURE_ERROR),
// while a content failure is Passed=false with a nil error.
type Layer interface {
	ID() string
	Enabled(cfg Config) bool
	Run(ctx context.Context, artifact string, cfg Config) (LayerResult, error)
}
