package gate

import (
	"context"
	"fmt"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/ticket"
)

// Pipeline runs layers in canonical order and decides pass/fail.
// The local run is authoritative: any score a nested tool self-reported
// is informational only and never consulted here.
type Pipeline struct {
	layers []Layer
}

// NewPipeline creates a pipeline over the given layers, in order.
func NewPipeline(layers ...Layer) *Pipeline {
	return &Pipeline{layers: layers}
}

// Run validates the artifact. Content failures land in the scorecard
// (Passed=false) with a nil error; an error return always means layer
// tooling broke. The returned artifact path differs from the input only
// when a remediation layer produced a replacement.
//
// Determinism: layers never mutate the artifact in place, so two runs
// over the same artifact and config yield identical scorecards.
func (p *Pipeline) Run(ctx context.Context, jobID, artifact string, cfg Config) (*ticket.Scorecard, string, error) {
	card := &ticket.Scorecard{JobID: jobID, Threshold: cfg.AggregateThreshold}
	current := artifact
	revalidated := make(map[string]bool)

	for i := 0; i < len(p.layers); i++ {
		layer := p.layers[i]
		if !layer.Enabled(cfg) {
			card.Layers = append(card.Layers, ticket.LayerScore{LayerID: layer.ID(), Enabled: false})
			continue
		}

		result, err := layer.Run(ctx, current, cfg)
		if err != nil {
			log.ErrorErr(log.CatGate, "layer infrastructure error", err, "layer", layer.ID(), "job", jobID)
			return card, current, autoerr.Wrap(autoerr.CodeInfrastructureError, err, "layer %s tooling failed", layer.ID())
		}

		card.Layers = append(card.Layers, ticket.LayerScore{
			LayerID:     layer.ID(),
			Enabled:     true,
			Score:       result.Score,
			Passed:      result.Passed,
			Threshold:   result.Threshold,
			RubricScore: result.RubricScore,
			ReportPath:  result.ReportPath,
			Duration:    result.Duration,
		})

		log.Info(log.CatGate, "layer complete", "layer", layer.ID(), "job", jobID,
			"score", fmt.Sprintf("%.3f", result.Score), "passed", result.Passed)

		if result.NewArtifact != "" && result.NewArtifact != current && !revalidated[layer.ID()] {
			// Remediation produced a replacement: re-validate it from
			// this layer forward, discarding the superseded results.
			revalidated[layer.ID()] = true
			current = result.NewArtifact
			card.Layers = card.Layers[:indexOfLayer(card.Layers, layer.ID())]
			i--
			continue
		}

		if !result.Passed {
			// Short-circuit: later layers never see a failing artifact.
			finish(card)
			card.Passed = false
			return card, current, nil
		}
	}

	finish(card)
	card.Passed = card.Aggregate >= cfg.AggregateThreshold && allPassed(card)
	return card, current, nil
}

// finish computes the aggregate as the mean of enabled layer scores.
func finish(card *ticket.Scorecard) {
	var sum float64
	var n int
	for _, l := range card.Layers {
		if !l.Enabled {
			continue
		}
		sum += l.Score
		n++
	}
	if n > 0 {
		card.Aggregate = sum / float64(n)
	}
}

func allPassed(card *ticket.Scorecard) bool {
	for _, l := range card.Layers {
		if l.Enabled && !l.Passed {
			return false
		}
	}
	return true
}

func indexOfLayer(layers []ticket.LayerScore, id string) int {
	for i, l := range layers {
		if l.LayerID == id {
			return i
		}
	}
	return len(layers)
}

// FailureError converts a failing scorecard into the coded error the
// orchestrator reports, naming the first failing layer and its
// shortfall.
func FailureError(card *ticket.Scorecard) error {
	if card == nil {
		return autoerr.E(autoerr.CodeValidationFailed, "quality gate produced no scorecard")
	}
	for _, l := range card.Layers {
		if l.Enabled && !l.Passed {
			if l.RubricScore > 0 {
				return autoerr.E(autoerr.CodeValidationFailed,
					"layer %s rubric score %d below normalized floor %.3f", l.LayerID, l.RubricScore, l.Threshold).
					WithAction("review the layer report and regenerate")
			}
			return autoerr.E(autoerr.CodeValidationFailed,
				"layer %s scored %.3f below threshold %.3f (floor=%.2f)", l.LayerID, l.Score, l.Threshold, card.Threshold).
				WithAction("review the layer report and regenerate")
		}
	}
	return autoerr.E(autoerr.CodeValidationFailed,
		"aggregate %.3f below threshold %.3f (floor=%.2f)", card.Aggregate, card.Threshold, card.Threshold).
		WithAction("raise layer scores or lower the tier")
}
