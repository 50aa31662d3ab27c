package cns

import "time"

// Delivery outcomes reported to Metrics and NotificationService.
const (
	OutcomeDelivered = "delivered"
	OutcomeExhausted = "exhausted"
	OutcomeAbandoned = "abandoned"
)

// Metrics receives counters from the producer and consumer loops.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// EndpointJobsEnqueued counts endpoint publish jobs emitted for a
	// publish job.
	EndpointJobsEnqueued(n int)

	// DeliveryAttempt records one send attempt.
	DeliveryAttempt(protocol string, ok bool, took time.Duration)

	// DeliveryOutcome records a subscriber reaching a final state.
	DeliveryOutcome(protocol, outcome string)

	// JobsInFlight reports the current number of endpoint publish jobs
	// being delivered.
	JobsInFlight(n int)
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

// EndpointJobsEnqueued implements Metrics.
func (NoopMetrics) EndpointJobsEnqueued(int) {}

// DeliveryAttempt implements Metrics.
func (NoopMetrics) DeliveryAttempt(string, bool, time.Duration) {}

// DeliveryOutcome implements Metrics.
func (NoopMetrics) DeliveryOutcome(string, string) {}

// JobsInFlight implements Metrics.
func (NoopMetrics) JobsInFlight(int) {}
