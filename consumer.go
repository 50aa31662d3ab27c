package cns

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/coregx/cns/endpoint"
	"github.com/coregx/cns/model"
	"github.com/coregx/cns/policy"
)

// DefaultEndpointPublishConcurrency is the default limit of endpoint
// publish jobs delivered at once by one Consumer.
const DefaultEndpointPublishConcurrency = 16

// TimerFunc schedules f after d, like time.AfterFunc.
type TimerFunc func(d time.Duration, f func()) *time.Timer

// Consumer delivers endpoint publish jobs.
//
// Each RunOnce receives at most one job, unless the number of jobs still
// being delivered has reached the concurrency limit, in which case it does
// not receive at all. Every subscriber of a received job gets its own
// delivery task that walks the subscriber's retry ladder on timers. The job
// is deleted once every task delivered or exhausted; a job with a task
// abandoned by Stop stays on its queue and is redelivered in full.
//
// Thread safety: RunOnce, Stop and the accessors are safe for concurrent use.
type Consumer struct {
	queue         WorkQueue
	policies      DeliveryPolicyStore
	registry      *endpoint.Registry
	monitor       *BadEndpointMonitor
	signer        *model.Signer
	codec         model.Codec
	logger        Logger
	metrics       Metrics
	notifications NotificationService
	tracer        trace.Tracer
	afterFunc     TimerFunc

	concurrencyLimit  int
	receiveWait       time.Duration
	attemptTimeout    time.Duration
	heartbeat         time.Duration
	visibilityTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup

	inFlight atomic.Int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer) error

// WithConsumerQueue sets the endpoint publish queue to consume.
func WithConsumerQueue(q WorkQueue) ConsumerOption {
	return func(c *Consumer) error {
		if q == nil {
			return fmt.Errorf("queue cannot be nil")
		}
		c.queue = q
		return nil
	}
}

// WithDeliveryPolicyStore sets where topic and subscription delivery
// policies are loaded from.
func WithDeliveryPolicyStore(s DeliveryPolicyStore) ConsumerOption {
	return func(c *Consumer) error {
		if s == nil {
			return fmt.Errorf("delivery policy store cannot be nil")
		}
		c.policies = s
		return nil
	}
}

// WithPublishers sets the protocol registry used to build endpoint
// publishers.
func WithPublishers(r *endpoint.Registry) ConsumerOption {
	return func(c *Consumer) error {
		if r == nil {
			return fmt.Errorf("publisher registry cannot be nil")
		}
		c.registry = r
		return nil
	}
}

// WithMonitor sets the bad endpoint monitor terminal outcomes are
// reported to. The same monitor is usually shared by every consumer.
func WithMonitor(m *BadEndpointMonitor) ConsumerOption {
	return func(c *Consumer) error {
		if m == nil {
			return fmt.Errorf("monitor cannot be nil")
		}
		c.monitor = m
		return nil
	}
}

// WithSigner sets the envelope signer.
func WithSigner(s *model.Signer) ConsumerOption {
	return func(c *Consumer) error {
		if s == nil {
			return fmt.Errorf("signer cannot be nil")
		}
		c.signer = s
		return nil
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger Logger) ConsumerOption {
	return func(c *Consumer) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithConsumerMetrics sets the metrics sink. Default: NoopMetrics.
func WithConsumerMetrics(m Metrics) ConsumerOption {
	return func(c *Consumer) error {
		if m == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		c.metrics = m
		return nil
	}
}

// WithConsumerNotifications sets the notification service.
// Default: NoOpNotificationService.
func WithConsumerNotifications(n NotificationService) ConsumerOption {
	return func(c *Consumer) error {
		if n == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		c.notifications = n
		return nil
	}
}

// WithTracer sets the tracer used for delivery attempt spans.
// Default: the global OpenTelemetry tracer provider.
func WithTracer(t trace.Tracer) ConsumerOption {
	return func(c *Consumer) error {
		if t == nil {
			return fmt.Errorf("tracer cannot be nil")
		}
		c.tracer = t
		return nil
	}
}

// WithConcurrencyLimit caps the endpoint publish jobs delivered at once.
// Default: DefaultEndpointPublishConcurrency.
func WithConcurrencyLimit(n int) ConsumerOption {
	return func(c *Consumer) error {
		if n <= 0 {
			return fmt.Errorf("concurrency limit must be > 0, got %d", n)
		}
		c.concurrencyLimit = n
		return nil
	}
}

// WithConsumerReceiveWait sets how long RunOnce waits for a job.
// Default: 1s.
func WithConsumerReceiveWait(d time.Duration) ConsumerOption {
	return func(c *Consumer) error {
		if d < 0 {
			return fmt.Errorf("receive wait must be >= 0, got %v", d)
		}
		c.receiveWait = d
		return nil
	}
}

// WithAttemptTimeout bounds a single send. Default: 15s.
func WithAttemptTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) error {
		if d <= 0 {
			return fmt.Errorf("attempt timeout must be > 0, got %v", d)
		}
		c.attemptTimeout = d
		return nil
	}
}

// WithVisibilityHeartbeat extends the visibility timeout of a job to
// timeout every interval while it is being delivered. Disabled by default.
func WithVisibilityHeartbeat(interval, timeout time.Duration) ConsumerOption {
	return func(c *Consumer) error {
		if interval <= 0 || timeout <= interval {
			return fmt.Errorf("heartbeat needs 0 < interval < timeout, got %v and %v", interval, timeout)
		}
		c.heartbeat = interval
		c.visibilityTimeout = timeout
		return nil
	}
}

// WithTimerFunc replaces time.AfterFunc for retry scheduling.
func WithTimerFunc(f TimerFunc) ConsumerOption {
	return func(c *Consumer) error {
		if f == nil {
			return fmt.Errorf("timer func cannot be nil")
		}
		c.afterFunc = f
		return nil
	}
}

// NewConsumer creates a Consumer.
//
// Required options:
//   - WithConsumerQueue
//   - WithDeliveryPolicyStore
//   - WithPublishers
//   - WithMonitor
//   - WithSigner
//   - WithConsumerLogger
//
// Example:
//
//	consumer, err := cns.NewConsumer(
//	    cns.WithConsumerQueue(endpointQueue),
//	    cns.WithDeliveryPolicyStore(policyStore),
//	    cns.WithPublishers(registry),
//	    cns.WithMonitor(monitor),
//	    cns.WithSigner(signer),
//	    cns.WithConsumerLogger(logger),
//	    cns.WithConcurrencyLimit(32), // optional
//	)
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		codec:            model.DefaultCodec,
		metrics:          NoopMetrics{},
		notifications:    &NoOpNotificationService{},
		tracer:           otel.Tracer("github.com/coregx/cns"),
		afterFunc:        time.AfterFunc,
		concurrencyLimit: DefaultEndpointPublishConcurrency,
		receiveWait:      time.Second,
		attemptTimeout:   15 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply consumer option", err)
		}
	}

	if c.queue == nil {
		return nil, NewError(ErrCodeConfiguration, "WorkQueue is required (use WithConsumerQueue)")
	}
	if c.policies == nil {
		return nil, NewError(ErrCodeConfiguration, "DeliveryPolicyStore is required (use WithDeliveryPolicyStore)")
	}
	if c.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "publisher registry is required (use WithPublishers)")
	}
	if c.monitor == nil {
		return nil, NewError(ErrCodeConfiguration, "BadEndpointMonitor is required (use WithMonitor)")
	}
	if c.signer == nil {
		return nil, NewError(ErrCodeConfiguration, "Signer is required (use WithSigner)")
	}
	if c.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithConsumerLogger)")
	}

	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// RunOnce receives and starts delivering at most one endpoint publish job.
// It returns as soon as the delivery tasks are started. Infrastructure
// failures are returned and leave the job on its queue.
func (c *Consumer) RunOnce(ctx context.Context) error {
	if c.stopped.Load() {
		return nil
	}
	if n := c.inFlight.Load(); n >= int64(c.concurrencyLimit) {
		c.logger.Debugf("Endpoint publish consumer at capacity (%d/%d), skipping receive", n, c.concurrencyLimit)
		return nil
	}

	msg, err := c.queue.Receive(ctx, c.receiveWait)
	if err != nil {
		return NewErrorWithCause(ErrCodeQueue, "failed to receive endpoint publish job", err)
	}
	if msg == nil {
		return nil
	}

	job, err := c.codec.DecodeEndpointJob(msg.Body)
	if err != nil {
		c.logger.Errorf("Dropping unparseable endpoint publish job %s: %v", msg.ID, err)
		if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			return NewErrorWithCause(ErrCodeQueue, "failed to delete unparseable endpoint publish job", err)
		}
		return nil
	}

	effective, err := c.resolvePolicies(ctx, job)
	if err != nil {
		return NewErrorWithCause(ErrCodeDatabase, "failed to load delivery policies", err)
	}

	if len(job.Subscribers) == 0 {
		if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			return NewErrorWithCause(ErrCodeQueue, "failed to delete empty endpoint publish job", err)
		}
		return nil
	}

	tracker := c.track(msg, job)
	for i := range job.Subscribers {
		newDeliveryTask(c, tracker, job.Subscribers[i], effective[i]).start()
	}
	return nil
}

// Run calls RunOnce on every tick until ctx is cancelled, then stops the
// consumer.
func (c *Consumer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Endpoint publish consumer started")

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			c.logger.Info("Endpoint publish consumer stopped")
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Errorf("Endpoint publish consumer tick failed: %v", err)
			}
		}
	}
}

// Stop stops receiving, abandons pending retries and waits for running
// attempts to return. Jobs with abandoned subscribers are not deleted.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until every job started so far is finished or abandoned.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// InFlight returns the number of jobs being delivered.
func (c *Consumer) InFlight() int {
	return int(c.inFlight.Load())
}

// resolvePolicies loads the topic policy once and each subscriber's
// override, and resolves the effective policy per subscriber. A stored
// policy that no longer validates is logged and ignored.
func (c *Consumer) resolvePolicies(ctx context.Context, job model.EndpointPublishJob) ([]policy.Effective, error) {
	topicPolicy, err := c.policies.GetTopicDeliveryPolicy(ctx, job.Message.TopicArn)
	if IsValidation(err) {
		c.logger.Warnf("Ignoring delivery policy of topic %s: %v", job.Message.TopicArn, err)
		topicPolicy, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	effective := make([]policy.Effective, len(job.Subscribers))
	for i, sub := range job.Subscribers {
		override, err := c.policies.GetSubscriptionDeliveryPolicy(ctx, sub.SubscriptionArn)
		if IsValidation(err) {
			c.logger.Warnf("Ignoring delivery policy of subscription %s: %v", sub.SubscriptionArn, err)
			override, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		effective[i] = policy.Resolve(topicPolicy, override, string(sub.Protocol))
	}
	return effective, nil
}

// jobTracker counts down the subscribers of one received job.
type jobTracker struct {
	c         *Consumer
	msg       *QueueMessage
	job       model.EndpointPublishJob
	pending   atomic.Int64
	abandoned atomic.Int64
	stopBeat  func()
}

func (c *Consumer) track(msg *QueueMessage, job model.EndpointPublishJob) *jobTracker {
	t := &jobTracker{c: c, msg: msg, job: job, stopBeat: func() {}}
	t.pending.Store(int64(len(job.Subscribers)))

	c.wg.Add(1)
	c.metrics.JobsInFlight(int(c.inFlight.Add(1)))

	if c.heartbeat > 0 {
		t.stopBeat = c.startHeartbeat(msg)
	}
	return t
}

func (t *jobTracker) memberDone(outcome string) {
	if outcome == OutcomeAbandoned {
		t.abandoned.Add(1)
	}
	if t.pending.Add(-1) > 0 {
		return
	}
	t.complete()
}

func (t *jobTracker) complete() {
	c := t.c
	defer c.wg.Done()
	defer func() { c.metrics.JobsInFlight(int(c.inFlight.Add(-1))) }()

	t.stopBeat()

	if n := t.abandoned.Load(); n > 0 {
		c.logger.Infof("Leaving endpoint publish job %s for redelivery: %d of %d subscribers abandoned",
			t.msg.ID, n, len(t.job.Subscribers))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.queue.Delete(ctx, t.msg.ReceiptHandle); err != nil {
		c.logger.Errorf("Failed to delete endpoint publish job %s, it will be redelivered: %v", t.msg.ID, err)
		return
	}
	c.logger.Debugf("Endpoint publish job %s complete: message=%s, subscribers=%d",
		t.msg.ID, t.job.Message.ID, len(t.job.Subscribers))
}

func (c *Consumer) startHeartbeat(msg *QueueMessage) func() {
	done := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.baseCtx.Done():
				return
			case <-ticker.C:
				if err := c.queue.ChangeVisibility(c.baseCtx, msg.ReceiptHandle, c.visibilityTimeout); err != nil {
					c.logger.Warnf("Failed to extend visibility of endpoint publish job %s: %v", msg.ID, err)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
