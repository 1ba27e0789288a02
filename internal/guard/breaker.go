package guard

import (
	"errors"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/log"
)

// Breakers manages one circuit breaker per external service. While a
// breaker is open, calls fail fast with CIRCUIT_OPEN; after the open
// duration a single probe is admitted.
type Breakers struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakers creates an empty breaker set with the given parameters.
func NewBreakers(cfg config.BreakerConfig) *Breakers {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breakers{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *Breakers) breaker(service string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[service]; ok {
		return cb
	}

	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: b.cfg.HalfOpenProbes,
		Timeout:     b.cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(log.CatGuard, "breaker state change", "service", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[service] = cb
	return cb
}

// Do runs fn under the service's breaker. Open-circuit rejections are
// mapped to CIRCUIT_OPEN; fn errors pass through and count as failures.
func (b *Breakers) Do(service string, fn func() error) error {
	_, err := b.breaker(service).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return autoerr.Wrap(autoerr.CodeCircuitOpen, err, "service %s circuit open", service).
			WithAction("wait for the breaker reset timeout or check the service")
	}
	return err
}

// States returns the current state of every known breaker.
func (b *Breakers) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make(map[string]string, len(b.breakers))
	for name, cb := range b.breakers {
		states[name] = cb.State().String()
	}
	return states
}
