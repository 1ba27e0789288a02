// Package ticket defines the JobTicket and JobResult records and their
// schema validation and normalization rules. A ticket is parsed once,
// validated against an embedded JSON Schema, normalized with computed
// fields, and then owned exclusively by the orchestrator until a
// JobResult is persisted.
package ticket

import (
	"encoding/json"
	"time"
)

// JobType classifies the document being produced.
type JobType string

const (
	JobPartnershipDocument JobType = "partnership-document"
	JobProgramReport       JobType = "program-report"
	JobAnnualReport        JobType = "annual-report"
	JobGeneric             JobType = "generic"
)

// IsReportClass reports whether the job type is a partnership/report
// class, which prefers the local interactive worker at high quality.
func (t JobType) IsReportClass() bool {
	switch t {
	case JobPartnershipDocument, JobProgramReport, JobAnnualReport:
		return true
	}
	return false
}

// WorkerPreference selects an execution backend.
type WorkerPreference string

const (
	WorkerAuto        WorkerPreference = "auto"
	WorkerLocal       WorkerPreference = "local-interactive"
	WorkerServerless  WorkerPreference = "serverless-batch"
	WorkerMultiServer WorkerPreference = "multi-server"
)

// Quality is the coarse quality knob, distinct from the world-class tier.
type Quality string

const (
	QualityLow      Quality = "low"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
)

// Output names the sink for the produced artifact. Exactly one of Path
// or CloudKey must be set.
type Output struct {
	Path     string `json:"path,omitempty"`
	CloudKey string `json:"cloudKey,omitempty"`
}

// QASpec carries the requested quality gate configuration.
type QASpec struct {
	Threshold float64            `json:"threshold,omitempty"`
	Layers    map[string]float64 `json:"layers,omitempty"`
}

// MultiServerSpec names the declared workflow for multi-server routing.
type MultiServerSpec struct {
	Workflow string `json:"workflow,omitempty"`
}

// Resolved holds fields the orchestrator computes after validation.
// They never come from the submitter.
type Resolved struct {
	// OutputPath is the absolute artifact path inside an allowed root.
	OutputPath string `json:"outputPath,omitempty"`
	// Threshold is the effective aggregate threshold after the
	// world-class floor is applied.
	Threshold float64 `json:"threshold,omitempty"`
	// RubricFloor is the effective ordinal floor for the rubric layer.
	RubricFloor int `json:"rubricFloor,omitempty"`
	// AssetPaths are produced by the planning stage.
	AssetPaths []string `json:"assetPaths,omitempty"`
}

// JobTicket is the unit of work submitted to the orchestrator.
type JobTicket struct {
	ID          string           `json:"id"`
	JobType     JobType          `json:"jobType"`
	Application string           `json:"application,omitempty"`
	Worker      WorkerPreference `json:"worker,omitempty"`
	Quality     Quality          `json:"quality,omitempty"`
	WorldClass  bool             `json:"worldClass,omitempty"`
	MCPMode     bool             `json:"mcpMode,omitempty"`
	Style       string           `json:"style,omitempty"`
	Output      Output           `json:"output"`
	QA          *QASpec          `json:"qa,omitempty"`
	// TimeoutsMS overrides command-class timeouts, keyed by class name.
	TimeoutsMS map[string]int64 `json:"timeouts,omitempty"`
	// FeatureFlags enables or disables gate layers by id.
	FeatureFlags map[string]bool  `json:"featureFlags,omitempty"`
	MultiServer  *MultiServerSpec `json:"multiServer,omitempty"`
	// RequestID, when set, makes resubmission idempotent within the
	// replay window.
	RequestID string `json:"requestId,omitempty"`
	// Content is the opaque partner/content payload.
	Content json.RawMessage `json:"content,omitempty"`
	// Resolved is appended by the orchestrator; submitters must not set it.
	Resolved *Resolved `json:"resolved,omitempty"`
}

// StyleTFU forces multi-server orchestration with no fallback.
const StyleTFU = "TFU"

// ForcesMultiServer reports whether routing must take the multi-server
// path (mcpMode, TFU style, or an explicit workflow).
func (t *JobTicket) ForcesMultiServer() bool {
	if t.MCPMode || t.Style == StyleTFU {
		return true
	}
	return t.MultiServer != nil && t.MultiServer.Workflow != ""
}

// WorkflowName returns the declared multi-server workflow, if any.
func (t *JobTicket) WorkflowName() string {
	if t.MultiServer == nil {
		return ""
	}
	return t.MultiServer.Workflow
}

// Outcome is the terminal state of a job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// StageTiming records one orchestration stage's duration.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// CostItem is one external service's share of the job cost.
type CostItem struct {
	Service string  `json:"service"`
	USD     float64 `json:"usd"`
}

// JobResult is the immutable record written at job completion.
type JobResult struct {
	JobID      string        `json:"jobId"`
	Outcome    Outcome       `json:"outcome"`
	Artifacts  []string      `json:"artifacts,omitempty"`
	Scorecard  *Scorecard    `json:"scorecard,omitempty"`
	Timings    []StageTiming `json:"timings,omitempty"`
	Costs      []CostItem    `json:"costs,omitempty"`
	ErrorChain []string      `json:"errorChain,omitempty"`
	WorkerKind string        `json:"workerKind,omitempty"`
	TraceID    string        `json:"traceId,omitempty"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// LayerScore is one validator layer's entry in the scorecard.
type LayerScore struct {
	LayerID   string        `json:"layerId"`
	Enabled   bool          `json:"enabled"`
	Score     float64       `json:"score"`
	Passed    bool          `json:"passed"`
	Threshold float64       `json:"threshold"`
	// RubricScore is set only for ordinal layers (0-150 rubric).
	RubricScore int           `json:"rubricScore,omitempty"`
	ReportPath  string        `json:"reportPath,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Scorecard aggregates layer results in pipeline order.
type Scorecard struct {
	JobID     string       `json:"jobId"`
	Layers    []LayerScore `json:"layers"`
	Aggregate float64      `json:"aggregate"`
	Threshold float64      `json:"threshold"`
	Passed    bool         `json:"passed"`
}
