package cns

import (
	"fmt"
	"sync"
	"time"
)

// BadEndpointMonitor tracks terminal delivery outcomes per endpoint inside
// a sliding time window. One monitor is shared by every consumer of a
// process; it is safe for concurrent use.
type BadEndpointMonitor struct {
	mu        sync.Mutex
	endpoints map[string]*endpointRecord

	window     time.Duration
	maxSamples int
	threshold  float64
	minTotal   int
	now        func() time.Time
}

type outcomeSample struct {
	at       time.Time
	failures int
	total    int
	topic    string
}

type endpointRecord struct {
	samples []outcomeSample
}

// MonitorOption configures a BadEndpointMonitor.
type MonitorOption func(*BadEndpointMonitor) error

// WithMonitorWindow sets how long outcomes are remembered. Default: 5m.
func WithMonitorWindow(window time.Duration) MonitorOption {
	return func(m *BadEndpointMonitor) error {
		if window <= 0 {
			return fmt.Errorf("monitor window must be > 0, got %v", window)
		}
		m.window = window
		return nil
	}
}

// WithMonitorMaxSamples caps the samples kept per endpoint. Default: 1000.
func WithMonitorMaxSamples(n int) MonitorOption {
	return func(m *BadEndpointMonitor) error {
		if n <= 0 {
			return fmt.Errorf("max samples must be > 0, got %d", n)
		}
		m.maxSamples = n
		return nil
	}
}

// WithBadEndpointThreshold sets the error rate at or above which IsBad
// reports an endpoint, and the minimum number of outcomes required before
// it does. Default: 0.5 over at least 2 outcomes.
func WithBadEndpointThreshold(rate float64, minTotal int) MonitorOption {
	return func(m *BadEndpointMonitor) error {
		if rate <= 0 || rate > 1 {
			return fmt.Errorf("bad endpoint threshold must be in (0, 1], got %v", rate)
		}
		if minTotal < 1 {
			return fmt.Errorf("bad endpoint minimum outcomes must be >= 1, got %d", minTotal)
		}
		m.threshold = rate
		m.minTotal = minTotal
		return nil
	}
}

// NewBadEndpointMonitor creates a monitor.
func NewBadEndpointMonitor(opts ...MonitorOption) (*BadEndpointMonitor, error) {
	m := &BadEndpointMonitor{
		endpoints:  make(map[string]*endpointRecord),
		window:     5 * time.Minute,
		maxSamples: 1000,
		threshold:  0.5,
		minTotal:   2,
		now:        time.Now,
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply monitor option", err)
		}
	}
	return m, nil
}

// RegisterOutcome records failures out of total attempts for an endpoint.
func (m *BadEndpointMonitor) RegisterOutcome(endpoint string, failures, total int, topicArn string) {
	if total <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.endpoints[endpoint]
	if !ok {
		rec = &endpointRecord{}
		m.endpoints[endpoint] = rec
	}
	rec.samples = append(rec.samples, outcomeSample{at: now, failures: failures, total: total, topic: topicArn})
	if over := len(rec.samples) - m.maxSamples; over > 0 {
		rec.samples = rec.samples[over:]
	}
	m.expire(endpoint, rec, now)
}

// ErrorRateByEndpoint returns the error rate of every endpoint with at
// least one failure inside the window. Clean endpoints are absent.
func (m *BadEndpointMonitor) ErrorRateByEndpoint() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rates := make(map[string]float64)
	for endpoint, rec := range m.endpoints {
		if !m.expire(endpoint, rec, now) {
			continue
		}
		failures, total := rec.counts()
		if failures > 0 && total > 0 {
			rates[endpoint] = float64(failures) / float64(total)
		}
	}
	return rates
}

// IsBad reports whether the endpoint's error rate inside the window is at
// or above the threshold.
func (m *BadEndpointMonitor) IsBad(endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.endpoints[endpoint]
	if !ok || !m.expire(endpoint, rec, m.now()) {
		return false
	}
	failures, total := rec.counts()
	return total >= m.minTotal && float64(failures)/float64(total) >= m.threshold
}

// TopicsForEndpoint returns the topics whose deliveries to endpoint failed
// inside the window.
func (m *BadEndpointMonitor) TopicsForEndpoint(endpoint string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.endpoints[endpoint]
	if !ok || !m.expire(endpoint, rec, m.now()) {
		return nil
	}

	seen := make(map[string]bool)
	var topics []string
	for _, s := range rec.samples {
		if s.failures > 0 && s.topic != "" && !seen[s.topic] {
			seen[s.topic] = true
			topics = append(topics, s.topic)
		}
	}
	return topics
}

// Clear forgets every endpoint.
func (m *BadEndpointMonitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endpoints = make(map[string]*endpointRecord)
}

// expire drops samples older than the window and removes empty records.
// It reports whether the record still holds samples. Callers hold m.mu.
func (m *BadEndpointMonitor) expire(endpoint string, rec *endpointRecord, now time.Time) bool {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(rec.samples) && rec.samples[i].at.Before(cutoff) {
		i++
	}
	rec.samples = rec.samples[i:]
	if len(rec.samples) == 0 {
		delete(m.endpoints, endpoint)
		return false
	}
	return true
}

func (r *endpointRecord) counts() (failures, total int) {
	for _, s := range r.samples {
		failures += s.failures
		total += s.total
	}
	return failures, total
}
