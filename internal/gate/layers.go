package gate

import (
	"context"
	"time"

	"github.com/inkhaus/autopress/internal/config"
)

// Invoker produces a layer result for an artifact. External validators
// use SubprocessInvoker; tests inject fakes.
type Invoker interface {
	Invoke(ctx context.Context, layerID, artifact string, cfg Config) (LayerResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, layerID, artifact string, cfg Config) (LayerResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, layerID, artifact string, cfg Config) (LayerResult, error) {
	return f(ctx, layerID, artifact, cfg)
}

// validatorLayer binds a layer id to an invoker plus its enablement and
// threshold defaults.
type validatorLayer struct {
	id               string
	defaultOn        bool
	defaultThreshold float64
	ordinal          bool
	invoker          Invoker
}

// NewLayer builds a layer around an invoker. Used directly by tests and
// by DefaultLayers for configured validators.
func NewLayer(id string, defaultOn bool, defaultThreshold float64, invoker Invoker) Layer {
	return &validatorLayer{
		id:               id,
		defaultOn:        defaultOn,
		defaultThreshold: defaultThreshold,
		ordinal:          id == LayerContentRubric,
		invoker:          invoker,
	}
}

func (l *validatorLayer) ID() string { return l.id }

// Enabled honors an explicit flag first; otherwise the layer default
// applies, and a layer with no invoker can never run.
func (l *validatorLayer) Enabled(cfg Config) bool {
	if l.invoker == nil {
		return false
	}
	if v, ok := cfg.Flags[l.id]; ok {
		return v
	}
	return l.defaultOn
}

func (l *validatorLayer) Run(ctx context.Context, artifact string, cfg Config) (LayerResult, error) {
	start := time.Now()
	result, err := l.invoker.Invoke(ctx, l.id, artifact, cfg)
	if err != nil {
		return LayerResult{}, err
	}
	result.Duration = time.Since(start)

	if l.ordinal {
		scale := cfg.RubricScale
		if scale <= 0 {
			scale = 150
		}
		result.Score = float64(result.RubricScore) / float64(scale)
		if result.Score > 1 {
			result.Score = 1
		}
		floor := cfg.RubricFloor
		if floor > 0 {
			result.Threshold = float64(floor) / float64(scale)
			result.Passed = result.RubricScore >= floor
			return result, nil
		}
	}

	threshold := cfg.Threshold(l.id, l.defaultThreshold)
	if l.id == LayerVisualRegression && cfg.MaxDiffPercent > 0 {
		threshold = 1 - cfg.MaxDiffPercent/100
	}
	result.Threshold = threshold
	result.Passed = result.Score >= threshold
	return result, nil
}

// DefaultLayers builds the canonical post-generation pipeline from the
// QA config. Layers with a configured validator command are on by
// default for their tier; the rest stay off until flagged.
func DefaultLayers(qa config.QAConfig) []Layer {
	specs := []struct {
		id        string
		defaultOn bool
		threshold float64
	}{
		{LayerContentRubric, true, 0.85},
		{LayerPixelChecks, true, 0.90},
		{LayerVisualRegression, false, 0.95},
		{LayerDesignAnalysis, true, 0.85},
		{LayerVisionCritique, true, 0.85},
		{LayerAccessibility, false, 0.90},
		{LayerRemediation, false, 0},
	}

	layers := make([]Layer, 0, len(specs))
	for _, s := range specs {
		var invoker Invoker
		if cmd, ok := qa.Validators[s.id]; ok && cmd != "" {
			invoker = SubprocessInvoker{Command: cmd}
		}
		layers = append(layers, NewLayer(s.id, s.defaultOn, s.threshold, invoker))
	}
	return layers
}
