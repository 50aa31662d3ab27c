// Package retry models delivery retry policies and computes backoff delays.
//
// A Policy describes one phase of a delivery retry ladder: how many attempts
// are made, how many leading retries fire with zero, minimum or maximum
// delay, and which curve interpolates the remaining delays between the
// minimum and maximum targets. Ladder chains a healthy and an optional
// sickly Policy into an explicit state machine.
package retry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// BackoffFunction names the curve used to interpolate retry delays.
type BackoffFunction string

// Supported backoff functions.
const (
	Linear      BackoffFunction = "linear"
	Arithmetic  BackoffFunction = "arithmetic"
	Geometric   BackoffFunction = "geometric"
	Exponential BackoffFunction = "exponential"
)

// Limits enforced by Policy.Validate.
const (
	MaxDelaySeconds = 3600
	MaxRetries      = 100
)

// ErrCountsExceedRetries is returned when the leading-retry counts add up to
// more than NumRetries.
var ErrCountsExceedRetries = errors.New("numNoDelayRetries + numMinDelayRetries + numMaxDelayRetries must not exceed numRetries")

// Policy is a single retry phase. Field names follow the delivery policy
// JSON document accepted by the subscription and topic attribute APIs.
type Policy struct {
	MinDelayTarget     int             `json:"minDelayTarget"`
	MaxDelayTarget     int             `json:"maxDelayTarget"`
	NumRetries         int             `json:"numRetries"`
	NumNoDelayRetries  int             `json:"numNoDelayRetries"`
	NumMinDelayRetries int             `json:"numMinDelayRetries"`
	NumMaxDelayRetries int             `json:"numMaxDelayRetries"`
	BackoffFunction    BackoffFunction `json:"backoffFunction"`
}

// DefaultHealthyPolicy returns the policy applied when neither the topic nor
// the subscription configures one: 3 attempts, 20 seconds apart.
func DefaultHealthyPolicy() Policy {
	return Policy{
		MinDelayTarget:  20,
		MaxDelayTarget:  20,
		NumRetries:      3,
		BackoffFunction: Linear,
	}
}

// Validate checks every bound of the policy. Invalid policies are rejected,
// never silently corrected.
func (p Policy) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.MinDelayTarget, validation.Min(0), validation.Max(MaxDelaySeconds)),
		validation.Field(&p.MaxDelayTarget,
			validation.Min(0),
			validation.Max(MaxDelaySeconds),
			validation.Min(p.MinDelayTarget).Error("must be no less than minDelayTarget"),
		),
		validation.Field(&p.NumRetries, validation.Min(0), validation.Max(MaxRetries)),
		validation.Field(&p.NumNoDelayRetries, validation.Min(0)),
		validation.Field(&p.NumMinDelayRetries, validation.Min(0)),
		validation.Field(&p.NumMaxDelayRetries, validation.Min(0)),
		validation.Field(&p.BackoffFunction,
			validation.Required,
			validation.In(Linear, Arithmetic, Geometric, Exponential),
		),
	)
	if err != nil {
		return err
	}

	if p.NumNoDelayRetries+p.NumMinDelayRetries+p.NumMaxDelayRetries > p.NumRetries {
		return ErrCountsExceedRetries
	}
	return nil
}

// Attempts returns the number of send attempts the phase allows. A policy
// with zero retries still makes the initial attempt.
func (p Policy) Attempts() int {
	if p.NumRetries < 1 {
		return 1
	}
	return p.NumRetries
}

// DelayBefore returns the wait before the given 1-indexed attempt of this
// phase. The first attempt fires immediately. The retries that follow use
// the zero, minimum and maximum delay counts in that order, and the rest
// follow the backoff curve.
func (p Policy) DelayBefore(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	retryNum := attempt - 1
	switch {
	case retryNum <= p.NumNoDelayRetries:
		return 0
	case retryNum <= p.NumNoDelayRetries+p.NumMinDelayRetries:
		return seconds(p.MinDelayTarget)
	case retryNum <= p.NumNoDelayRetries+p.NumMinDelayRetries+p.NumMaxDelayRetries:
		return seconds(p.MaxDelayTarget)
	}

	return seconds(NextDelay(attempt, p.NumRetries, p.MinDelayTarget, p.MaxDelayTarget, p.BackoffFunction))
}

// Schedule returns a human-readable description of the phase.
//
// Example output:
//
//	Retry Schedule (linear):
//	  Attempt 1: immediately
//	  Attempt 2: after 20s
//	  Attempt 3: after 20s
func (p Policy) Schedule() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Retry Schedule (%s):\n", p.BackoffFunction)
	for i := 1; i <= p.Attempts(); i++ {
		d := p.DelayBefore(i)
		if d == 0 {
			fmt.Fprintf(&b, "  Attempt %d: immediately\n", i)
			continue
		}
		fmt.Fprintf(&b, "  Attempt %d: after %v\n", i, d)
	}
	return b.String()
}

// NextDelay returns the delay in seconds before the 1-indexed try tryNum of
// a ladder with numRetries tries, interpolated between minDelay and maxDelay
// with the given backoff function.
//
// NextDelay(1, ...) is always minDelay and NextDelay(numRetries, ...) is
// always maxDelay. With numRetries <= 1 only minDelay is returned. For
// identical parameters the sum of delays over a ladder is non-increasing in
// the order linear, arithmetic, geometric, exponential.
func NextDelay(tryNum, numRetries, minDelay, maxDelay int, fn BackoffFunction) int {
	if numRetries <= 1 {
		return minDelay
	}
	if tryNum < 1 {
		tryNum = 1
	}
	if tryNum > numRetries {
		tryNum = numRetries
	}

	progress := float64(tryNum-1) / float64(numRetries-1)
	span := float64(maxDelay - minDelay)

	return minDelay + int(math.Round(span*curve(fn, progress)))
}

// curve maps progress in [0,1] onto [0,1] with curve(0)=0 and curve(1)=1.
// Each shape lies pointwise at or below the previous one.
func curve(fn BackoffFunction, p float64) float64 {
	switch fn {
	case Arithmetic:
		return p * p
	case Geometric:
		return p * (math.Pow(16, p) - 1) / 15
	case Exponential:
		return p * (math.Pow(1024, p) - 1) / 1023
	default:
		return p
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
