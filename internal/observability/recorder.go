package observability

import "time"

// OperationRecorder receives outcome and timing signals from the sale and
// refund services. Aggregation and alerting live outside this core; the
// Prometheus-backed Metrics type is the default implementation.
type OperationRecorder interface {
	Record(operation, outcome string, d time.Duration)
}

// NopRecorder discards all signals. Used in tests and when metrics are disabled.
type NopRecorder struct{}

// Record implements OperationRecorder.
func (NopRecorder) Record(string, string, time.Duration) {}
