package orchestrator

import (
	"time"

	"github.com/inkhaus/autopress/internal/ticket"
)

// stageClock appends stage timings to a JobResult as stages complete.
type stageClock struct {
	result *ticket.JobResult
	last   time.Time
}

func newStageClock(result *ticket.JobResult) *stageClock {
	return &stageClock{result: result, last: time.Now()}
}

// mark records the time since the previous mark under the stage name.
func (c *stageClock) mark(stage string) {
	now := time.Now()
	c.result.Timings = append(c.result.Timings, ticket.StageTiming{
		Stage:    stage,
		Duration: now.Sub(c.last),
	})
	c.last = now
}
