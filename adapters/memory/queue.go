// Package memory provides in-process implementations of the cns queue and
// repository interfaces. They back tests and single-node deployments that
// do not need durability.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/cns"
)

// DefaultVisibilityTimeout is how long a received message stays hidden.
const DefaultVisibilityTimeout = 30 * time.Second

// ErrInvalidReceiptHandle is returned for a receipt handle that does not
// belong to the current receive of any message.
var ErrInvalidReceiptHandle = errors.New("invalid receipt handle")

const pollInterval = 20 * time.Millisecond

type entry struct {
	id           string
	body         string
	handle       string
	hiddenUntil  time.Time
	receiveCount int
}

// Queue is a cns.WorkQueue with visibility timeouts.
type Queue struct {
	mu         sync.Mutex
	visibility time.Duration
	messages   []*entry
	wake       chan struct{}
	now        func() time.Time

	receiveCalls atomic.Int64
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithVisibilityTimeout sets how long received messages stay hidden.
func WithVisibilityTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.visibility = d }
}

// NewQueue creates an empty queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		visibility: DefaultVisibilityTimeout,
		wake:       make(chan struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements cns.WorkQueue.
func (q *Queue) Enqueue(_ context.Context, body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &entry{id: uuid.NewString(), body: body}
	q.messages = append(q.messages, e)

	close(q.wake)
	q.wake = make(chan struct{})
	return e.id, nil
}

// Receive implements cns.WorkQueue.
func (q *Queue) Receive(ctx context.Context, maxWait time.Duration) (*cns.QueueMessage, error) {
	q.receiveCalls.Add(1)
	deadline := q.now().Add(maxWait)

	for {
		msg, wake := q.take()
		if msg != nil {
			return msg, nil
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(remaining, pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) take() (*cns.QueueMessage, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, e := range q.messages {
		if now.Before(e.hiddenUntil) {
			continue
		}
		e.handle = uuid.NewString()
		e.hiddenUntil = now.Add(q.visibility)
		e.receiveCount++
		return &cns.QueueMessage{ID: e.id, Body: e.body, ReceiptHandle: e.handle}, nil
	}
	return nil, q.wake
}

// Delete implements cns.WorkQueue.
func (q *Queue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.messages {
		if e.handle == receiptHandle && receiptHandle != "" {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return ErrInvalidReceiptHandle
}

// ChangeVisibility implements cns.WorkQueue.
func (q *Queue) ChangeVisibility(_ context.Context, receiptHandle string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.messages {
		if e.handle == receiptHandle && receiptHandle != "" {
			e.hiddenUntil = q.now().Add(timeout)
			return nil
		}
	}
	return ErrInvalidReceiptHandle
}

// Len returns the number of messages not yet deleted, hidden ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Bodies returns the bodies of every message not yet deleted, in order.
func (q *Queue) Bodies() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, len(q.messages))
	for i, e := range q.messages {
		out[i] = e.body
	}
	return out
}

// ReceiveCalls returns how many times Receive was called.
func (q *Queue) ReceiveCalls() int {
	return int(q.receiveCalls.Load())
}
