package cns

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coregx/cns/model"
)

// DefaultSubscriptionPageSize is the page size used to list subscriptions
// and the default cap on subscribers per endpoint publish job.
const DefaultSubscriptionPageSize = 100

// Producer turns publish jobs into bounded endpoint publish jobs.
//
// Each RunOnce takes at most one publish job, lists every confirmed
// subscription of its topic, splits them into batches and enqueues one
// endpoint publish job per batch. The publish job is deleted only after
// every batch was enqueued, so a failure part way through redelivers the
// whole publish job.
type Producer struct {
	publishQueue   WorkQueue
	endpointQueues []WorkQueue
	lister         SubscriptionLister
	codec          model.Codec
	logger         Logger
	metrics        Metrics

	maxPerJob   int
	pageSize    int
	receiveWait time.Duration

	next atomic.Uint64
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer) error

// WithProducerQueues sets the publish queue read from and the endpoint
// publish queues written to. Endpoint jobs are spread round robin over the
// endpoint queues.
func WithProducerQueues(publishQueue WorkQueue, endpointQueues ...WorkQueue) ProducerOption {
	return func(p *Producer) error {
		if publishQueue == nil {
			return fmt.Errorf("publishQueue cannot be nil")
		}
		if len(endpointQueues) == 0 {
			return fmt.Errorf("at least one endpoint queue is required")
		}
		for i, q := range endpointQueues {
			if q == nil {
				return fmt.Errorf("endpoint queue %d cannot be nil", i)
			}
		}
		p.publishQueue = publishQueue
		p.endpointQueues = endpointQueues
		return nil
	}
}

// WithSubscriptionLister sets the subscription source.
func WithSubscriptionLister(lister SubscriptionLister) ProducerOption {
	return func(p *Producer) error {
		if lister == nil {
			return fmt.Errorf("subscription lister cannot be nil")
		}
		p.lister = lister
		return nil
	}
}

// WithProducerLogger sets the logger.
func WithProducerLogger(logger Logger) ProducerOption {
	return func(p *Producer) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		p.logger = logger
		return nil
	}
}

// WithProducerMetrics sets the metrics sink. Default: NoopMetrics.
func WithProducerMetrics(m Metrics) ProducerOption {
	return func(p *Producer) error {
		if m == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		p.metrics = m
		return nil
	}
}

// WithMaxSubscriptionsPerJob caps the subscribers carried by one endpoint
// publish job. Default: DefaultSubscriptionPageSize.
func WithMaxSubscriptionsPerJob(n int) ProducerOption {
	return func(p *Producer) error {
		if n <= 0 {
			return fmt.Errorf("max subscriptions per job must be > 0, got %d", n)
		}
		p.maxPerJob = n
		return nil
	}
}

// WithSubscriptionPageSize sets the listing page size.
// Default: DefaultSubscriptionPageSize.
func WithSubscriptionPageSize(n int) ProducerOption {
	return func(p *Producer) error {
		if n <= 0 {
			return fmt.Errorf("page size must be > 0, got %d", n)
		}
		p.pageSize = n
		return nil
	}
}

// WithProducerReceiveWait sets how long RunOnce waits for a publish job.
// Default: 1s.
func WithProducerReceiveWait(d time.Duration) ProducerOption {
	return func(p *Producer) error {
		if d < 0 {
			return fmt.Errorf("receive wait must be >= 0, got %v", d)
		}
		p.receiveWait = d
		return nil
	}
}

// WithProducerCodec sets the job codec. Default: model.DefaultCodec.
func WithProducerCodec(c model.Codec) ProducerOption {
	return func(p *Producer) error {
		p.codec = c
		return nil
	}
}

// NewProducer creates a Producer.
//
// Required options:
//   - WithProducerQueues
//   - WithSubscriptionLister
//   - WithProducerLogger
//
// Example:
//
//	producer, err := cns.NewProducer(
//	    cns.WithProducerQueues(publishQueue, endpointQueue),
//	    cns.WithSubscriptionLister(subscriptionRepo),
//	    cns.WithProducerLogger(logger),
//	    cns.WithMaxSubscriptionsPerJob(50), // optional
//	)
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	p := &Producer{
		codec:       model.DefaultCodec,
		metrics:     NoopMetrics{},
		maxPerJob:   DefaultSubscriptionPageSize,
		pageSize:    DefaultSubscriptionPageSize,
		receiveWait: time.Second,
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply producer option", err)
		}
	}

	if p.publishQueue == nil {
		return nil, NewError(ErrCodeConfiguration, "work queues are required (use WithProducerQueues)")
	}
	if p.lister == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionLister is required (use WithSubscriptionLister)")
	}
	if p.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithProducerLogger)")
	}

	return p, nil
}

// RunOnce processes at most one publish job. It returns nil without side
// effects when the publish queue is empty. Infrastructure failures are
// returned and leave the publish job on its queue for redelivery.
func (p *Producer) RunOnce(ctx context.Context) error {
	msg, err := p.publishQueue.Receive(ctx, p.receiveWait)
	if err != nil {
		return NewErrorWithCause(ErrCodeQueue, "failed to receive publish job", err)
	}
	if msg == nil {
		return nil
	}

	job, err := p.codec.DecodePublishJob(msg.Body)
	if err != nil {
		p.logger.Errorf("Dropping unparseable publish job %s: %v", msg.ID, err)
		if err := p.publishQueue.Delete(ctx, msg.ReceiptHandle); err != nil {
			return NewErrorWithCause(ErrCodeQueue, "failed to delete unparseable publish job", err)
		}
		return nil
	}

	subscribers, err := p.listSubscribers(ctx, job.TopicArn)
	if err != nil {
		return NewErrorWithCause(ErrCodeDatabase, "failed to list subscriptions for "+job.TopicArn, err)
	}

	jobs := model.Batch(job.Message, subscribers, p.maxPerJob)
	for i := range jobs {
		body, err := p.codec.EncodeEndpointJob(jobs[i])
		if err != nil {
			return NewErrorWithCause(ErrCodeQueue, "failed to encode endpoint publish job", err)
		}
		if _, err := p.nextQueue().Enqueue(ctx, body); err != nil {
			return NewErrorWithCause(ErrCodeQueue, "failed to enqueue endpoint publish job", err)
		}
	}

	if err := p.publishQueue.Delete(ctx, msg.ReceiptHandle); err != nil {
		return NewErrorWithCause(ErrCodeQueue, "failed to delete publish job", err)
	}

	p.metrics.EndpointJobsEnqueued(len(jobs))
	p.logger.Debugf("Fanned out message %s on %s: subscribers=%d, jobs=%d",
		job.Message.ID, job.TopicArn, len(subscribers), len(jobs))
	return nil
}

// Run calls RunOnce on every tick until ctx is cancelled.
func (p *Producer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("Publish job producer started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Publish job producer stopped")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Errorf("Publish job producer tick failed: %v", err)
			}
		}
	}
}

func (p *Producer) listSubscribers(ctx context.Context, topicArn string) ([]model.EndpointSubscriptionInfo, error) {
	var infos []model.EndpointSubscriptionInfo
	token := ""
	for {
		subs, next, err := p.lister.ListSubscriptionsByTopic(ctx, topicArn, "", token, p.pageSize)
		if err != nil && !IsNoData(err) {
			return nil, err
		}
		for i := range subs {
			if !subs[i].IsConfirmed() {
				continue
			}
			infos = append(infos, subs[i].Info())
		}
		if next == "" || next == token {
			return infos, nil
		}
		token = next
	}
}

func (p *Producer) nextQueue() WorkQueue {
	n := p.next.Add(1) - 1
	return p.endpointQueues[n%uint64(len(p.endpointQueues))]
}
