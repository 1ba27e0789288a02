package orchestrator

// Status is a point-in-time snapshot of the orchestrator's shared
// resources, surfaced by the status command.
type Status struct {
	QueueDepth      int               `json:"queueDepth"`
	MutexHolder     string            `json:"mutexHolder,omitempty"`
	MutexQueueDepth int               `json:"mutexQueueDepth"`
	DailySpendUSD   float64           `json:"dailySpendUsd"`
	MonthlySpendUSD float64           `json:"monthlySpendUsd"`
	BreakerStates   map[string]string `json:"breakerStates,omitempty"`
	Workers         map[string]bool   `json:"workers"`
}

// Status reports current queue, mutex, budget, and breaker state.
func (o *Orchestrator) Status() Status {
	holder, waiters := o.mutex.Holder()
	s := Status{
		QueueDepth:      len(o.queue),
		MutexHolder:     holder,
		MutexQueueDepth: waiters,
		Workers: map[string]bool{
			"local-interactive": o.workers.Local != nil,
			"serverless-batch":  o.workers.Serverless != nil,
			"multi-server":      o.workers.MultiServer != nil,
		},
	}
	if o.ledger != nil {
		s.DailySpendUSD = o.ledger.DailySpend()
		s.MonthlySpendUSD = o.ledger.MonthlySpend()
	}
	if o.breakers != nil {
		s.BreakerStates = o.breakers.States()
	}
	return s
}
