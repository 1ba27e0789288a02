package ticket

import (
	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
)

// Normalize fills defaults and computes the Resolved block from config.
// The world-class floor is a hard clamp: the effective threshold is
// max(supplied, floor) and a supplied value above the floor is honored.
func Normalize(t *JobTicket, cfg config.Config) error {
	if t.Worker == "" {
		t.Worker = WorkerAuto
	}
	if t.Quality == "" {
		t.Quality = QualityStandard
	}
	if t.Application == "" {
		t.Application = cfg.Workers.Application
	}

	threshold := cfg.QA.DefaultThreshold
	if t.QA != nil && t.QA.Threshold > 0 {
		threshold = t.QA.Threshold
	}
	rubricFloor := 0
	if t.WorldClass {
		if threshold < cfg.QA.WorldClassFloor {
			threshold = cfg.QA.WorldClassFloor
		}
		rubricFloor = cfg.QA.RubricFloor
	}

	t.Resolved = &Resolved{
		Threshold:   threshold,
		RubricFloor: rubricFloor,
	}

	if t.Output.Path != "" {
		resolved, err := ResolveOutputPath(t.Output.Path, cfg.Paths.AllowedRoots)
		if err != nil {
			return err
		}
		t.Resolved.OutputPath = resolved
	}

	if t.Style == StyleTFU && t.WorkflowName() == "" {
		// TFU style implies the default TFU workflow when none is named.
		if t.MultiServer == nil {
			t.MultiServer = &MultiServerSpec{}
		}
		t.MultiServer.Workflow = "tfu"
	}

	if t.ForcesMultiServer() && t.Worker == WorkerServerless {
		return autoerr.E(autoerr.CodeValidationError,
			"ticket %s requests serverless-batch but mcpMode/style/workflow force multi-server routing", t.ID)
	}
	return nil
}
