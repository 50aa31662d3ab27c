package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a delivery that exhausted its retry ladder. It carries the
// full message so it can be redriven to the same subscriber later.
//
// Dead letters serve as:
//   - Failure audit log with the last error seen
//   - Manual intervention queue for operations teams
//   - Source for redrive once the endpoint is fixed
type DeadLetter struct {
	ID            string                   `json:"id"`
	Message       Message                  `json:"message"`
	Subscriber    EndpointSubscriptionInfo `json:"subscriber"`
	Attempts      int                      `json:"attempts"`
	LastError     string                   `json:"lastError,omitempty"`
	FailureReason string                   `json:"failureReason"`
	MovedToDLQAt  time.Time                `json:"movedToDlqAt"`
}

// NewDeadLetter creates a dead letter for one exhausted subscriber.
func NewDeadLetter(msg Message, sub EndpointSubscriptionInfo, attempts int, lastError, failureReason string) DeadLetter {
	return DeadLetter{
		ID:            uuid.NewString(),
		Message:       msg,
		Subscriber:    sub,
		Attempts:      attempts,
		LastError:     lastError,
		FailureReason: failureReason,
		MovedToDLQAt:  time.Now().UTC(),
	}
}

// Age returns how long the letter has been dead at now.
func (d *DeadLetter) Age(now time.Time) time.Duration {
	return now.Sub(d.MovedToDLQAt)
}

// IsOld reports whether the letter has been dead longer than threshold.
func (d *DeadLetter) IsOld(now time.Time, threshold time.Duration) bool {
	return d.Age(now) > threshold
}

// RedriveJob returns the endpoint publish job that retries this delivery.
func (d *DeadLetter) RedriveJob() EndpointPublishJob {
	return EndpointPublishJob{Message: d.Message, Subscribers: []EndpointSubscriptionInfo{d.Subscriber}}
}

// Validate checks that the letter can be redriven.
func (d *DeadLetter) Validate() error {
	if d.ID == "" {
		return errors.New("dead letter: id is required")
	}
	if d.Subscriber.SubscriptionArn == "" || d.Subscriber.Endpoint == "" {
		return errors.New("dead letter: subscriber is required")
	}
	return d.Message.Validate()
}

// EncodeDeadLetter renders a dead letter as a queue message body.
func EncodeDeadLetter(d DeadLetter) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode dead letter: %w", err)
	}
	return string(b), nil
}

// DecodeDeadLetter parses a queue message body produced by EncodeDeadLetter.
func DecodeDeadLetter(body string) (DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return d, fmt.Errorf("%w: dead letter: %v", ErrMalformedJob, err)
	}
	if err := d.Validate(); err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return d, nil
}
