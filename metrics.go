package signup

import "time"

// Completion outcomes reported to Metrics.
const (
	OutcomeSuccess      = "success"
	OutcomeRejected     = "rejected"
	OutcomeTimeout      = "timeout"
	OutcomeNetworkError = "network_error"
	OutcomeStorageError = "storage_error"
)

// Metrics receives flow counters. See metrics/prom for a Prometheus backed
// implementation.
type Metrics interface {
	DecodeSucceeded(strategy string)
	DecodeFailed()
	StateEntered(state State)
	CompletionFinished(outcome string, elapsed time.Duration)
	SessionCommitted(verified bool)
}

type noopMetrics struct{}

func (noopMetrics) DecodeSucceeded(string)                   {}
func (noopMetrics) DecodeFailed()                            {}
func (noopMetrics) StateEntered(State)                       {}
func (noopMetrics) CompletionFinished(string, time.Duration) {}
func (noopMetrics) SessionCommitted(bool)                    {}

func normalizeMetrics(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
