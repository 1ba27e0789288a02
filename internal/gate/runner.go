package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/log"
)

// validatorReport is the final line a validator binary emits on stdout.
// Earlier lines are progress records and are logged at debug level.
type validatorReport struct {
	Type        string          `json:"type"`
	Score       float64         `json:"score"`
	RubricScore int             `json:"rubricScore,omitempty"`
	Passed      *bool           `json:"passed,omitempty"`
	ReportPath  string          `json:"reportPath,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	NewArtifact string          `json:"newArtifact,omitempty"`
}

// SubprocessInvoker runs an external validator binary that speaks
// line-delimited JSON on stdout. The artifact path is passed as the last
// argument; exit codes follow the 0/1/3 layer contract.
type SubprocessInvoker struct {
	// Command is the validator invocation, split on whitespace.
	Command string
	// Timeout bounds one validator run. Zero means 5 minutes.
	Timeout time.Duration
}

// Invoke runs the validator against the artifact and decodes its report.
func (s SubprocessInvoker) Invoke(ctx context.Context, layerID, artifact string, cfg Config) (LayerResult, error) {
	parts := strings.Fields(s.Command)
	if len(parts) == 0 {
		return LayerResult{}, autoerr.E(autoerr.CodeInfrastructureError, "layer %s has no validator command configured", layerID)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(parts[1:], artifact)
	cmd := exec.CommandContext(runCtx, parts[0], args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return LayerResult{}, autoerr.Wrap(autoerr.CodeInfrastructureError, err, "layer %s: opening stdout", layerID)
	}
	if err := cmd.Start(); err != nil {
		return LayerResult{}, autoerr.Wrap(autoerr.CodeInfrastructureError, err, "layer %s: starting validator", layerID)
	}

	var report *validatorReport
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec validatorReport
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Debug(log.CatGate, "validator non-JSON line", "layer", layerID, "line", line)
			continue
		}
		if rec.Type == "result" {
			report = &rec
		} else {
			log.Debug(log.CatGate, "validator progress", "layer", layerID, "type", rec.Type)
		}
	}

	waitErr := cmd.Wait()
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		return LayerResult{}, autoerr.Wrap(autoerr.CodeInfrastructureError, waitErr, "layer %s: validator did not run", layerID)
	}

	switch exitCode {
	case ExitPass, ExitValidationFail:
		if report == nil {
			return LayerResult{}, autoerr.E(autoerr.CodeInfrastructureError,
				"layer %s: validator exited %d without a result record", layerID, exitCode)
		}
		result := LayerResult{
			Score:       report.Score,
			RubricScore: report.RubricScore,
			Passed:      exitCode == ExitPass,
			ReportPath:  report.ReportPath,
			Details:     report.Details,
			NewArtifact: report.NewArtifact,
		}
		if report.Passed != nil {
			result.Passed = *report.Passed
		}
		return result, nil
	default:
		return LayerResult{}, autoerr.E(autoerr.CodeInfrastructureError,
			"layer %s: validator exited %d: %s", layerID, exitCode, fmt.Sprintf("%v", waitErr))
	}
}
