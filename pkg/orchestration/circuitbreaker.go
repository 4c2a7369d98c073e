package orchestration

import (
	"time"

	"github.com/sony/gobreaker"
)

// newJobBreaker builds the job-level circuit breaker spec.md §4.3 names:
// threshold consecutive failures opens it, one HALF_OPEN probe is allowed
// after timeout elapses. Grounded on original_source self_healing.py's
// CircuitBreaker class (failure_threshold, timeout_seconds, record_success/
// record_failure, can_attempt), reimplemented on the teacher's
// sony/gobreaker dependency instead of hand-rolled state.
func newJobBreaker(threshold int, timeout time.Duration) *gobreaker.CircuitBreaker[any] {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "orchestrator",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
	})
}
