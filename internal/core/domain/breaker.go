package domain

// BreakerStatus is the circuit breaker state machine position.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is persisted as one JSON value per breaker key so state,
// failure count, and last failure time are always read and written as a unit.
type BreakerState struct {
	Status        BreakerStatus `json:"status"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt int64         `json:"last_failure_at"` // unix millis, 0 = never
}
