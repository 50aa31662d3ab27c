package cns

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coregx/cns/endpoint"
	"github.com/coregx/cns/model"
	"github.com/coregx/cns/policy"
	"github.com/coregx/cns/retry"
)

// deliveryTask walks one subscriber through its retry ladder. Attempts run
// one after another on timer goroutines, so the ladder needs no locking;
// mu only guards the pending timer against Stop.
type deliveryTask struct {
	c       *Consumer
	tracker *jobTracker
	info    model.EndpointSubscriptionInfo
	ladder  *retry.Ladder

	// lastErr is only touched by the attempt chain.
	lastErr error

	mu        sync.Mutex
	timer     *time.Timer
	stopWatch func() bool
	once      sync.Once
}

func newDeliveryTask(c *Consumer, tracker *jobTracker, info model.EndpointSubscriptionInfo, eff policy.Effective) *deliveryTask {
	return &deliveryTask{
		c:       c,
		tracker: tracker,
		info:    info,
		ladder:  eff.Ladder(),
	}
}

func (t *deliveryTask) start() {
	if t.c.monitor.IsBad(t.info.Endpoint) && t.ladder.EnterSickly() {
		t.c.logger.Debugf("Endpoint %s is failing, starting %s in the sickly phase",
			t.info.Endpoint, t.info.SubscriptionArn)
	}

	t.mu.Lock()
	t.stopWatch = context.AfterFunc(t.c.baseCtx, t.abandonPending)
	t.mu.Unlock()

	t.scheduleNext()
}

// abandonPending runs when the consumer stops. A pending timer is stopped
// and the subscriber abandoned; an attempt already running notices the
// cancellation itself.
func (t *deliveryTask) abandonPending() {
	t.mu.Lock()
	stopped := t.timer != nil && t.timer.Stop()
	t.mu.Unlock()

	if stopped {
		t.finish(OutcomeAbandoned, nil)
	}
}

func (t *deliveryTask) scheduleNext() {
	delay, ok := t.ladder.Next()
	if !ok {
		t.finish(OutcomeExhausted, nil)
		return
	}

	t.mu.Lock()
	if t.c.baseCtx.Err() != nil {
		t.mu.Unlock()
		t.finish(OutcomeAbandoned, nil)
		return
	}
	t.timer = t.c.afterFunc(delay, t.attempt)
	t.mu.Unlock()
}

func (t *deliveryTask) attempt() {
	err := t.send()
	switch {
	case err == nil:
		t.finish(OutcomeDelivered, nil)
	case t.c.baseCtx.Err() != nil:
		t.finish(OutcomeAbandoned, nil)
	case errors.Is(err, endpoint.ErrUnsupportedProtocol):
		t.lastErr = err
		t.finish(OutcomeExhausted, err)
	default:
		t.lastErr = err
		if nerr := t.c.notifications.NotifyDeliveryFailure(t.c.baseCtx, t.report(), err); nerr != nil {
			t.c.logger.Warnf("Failed to send delivery failure notification: %v", nerr)
		}
		t.scheduleNext()
	}
}

func (t *deliveryTask) send() error {
	c := t.c
	msg := t.tracker.job.Message

	ctx, cancel := context.WithTimeout(c.baseCtx, c.attemptTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "cns.deliver", trace.WithAttributes(
		attribute.String("cns.message_id", msg.ID),
		attribute.String("cns.topic_arn", msg.TopicArn),
		attribute.String("cns.subscription_arn", t.info.SubscriptionArn),
		attribute.String("cns.protocol", string(t.info.Protocol)),
		attribute.String("cns.phase", t.ladder.Phase().String()),
		attribute.Int("cns.attempt", t.ladder.Total()),
	))
	defer span.End()

	started := time.Now()
	err := t.deliver(ctx, msg)
	c.metrics.DeliveryAttempt(string(t.info.Protocol), err == nil, time.Since(started))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (t *deliveryTask) deliver(ctx context.Context, msg model.Message) error {
	pub, err := t.c.registry.New(t.info.Protocol)
	if err != nil {
		return err
	}

	payload, err := t.c.signer.Frame(msg, t.info)
	if err != nil {
		return NewErrorWithCause(ErrCodeDelivery, "failed to frame notification", err)
	}

	pub.SetEndpoint(t.info.Endpoint)
	pub.SetMessage(payload)
	pub.SetSubject(msg.Subject)
	pub.SetUser(endpoint.User{ID: msg.UserID})

	if hs, ok := pub.(endpoint.HeaderSetter); ok {
		hs.SetHeader(endpoint.HeaderMessageType, model.EnvelopeTypeNotification)
		hs.SetHeader(endpoint.HeaderMessageID, msg.ID)
		hs.SetHeader(endpoint.HeaderTopicArn, msg.TopicArn)
		hs.SetHeader(endpoint.HeaderSubscriptionArn, t.info.SubscriptionArn)
	}

	return pub.Send(ctx)
}

func (t *deliveryTask) finish(outcome string, cause error) {
	t.once.Do(func() {
		t.mu.Lock()
		stopWatch := t.stopWatch
		t.mu.Unlock()
		if stopWatch != nil {
			stopWatch()
		}

		c := t.c
		topic := t.tracker.job.Message.TopicArn
		switch outcome {
		case OutcomeDelivered:
			c.monitor.RegisterOutcome(t.info.Endpoint, 0, 1, topic)
		case OutcomeExhausted:
			c.monitor.RegisterOutcome(t.info.Endpoint, 1, 1, topic)
			if cause != nil {
				c.logger.Errorf("Cannot deliver to %s: %v", t.info.SubscriptionArn, cause)
			}
			if err := c.notifications.NotifyDeliveryExhausted(context.Background(), t.report()); err != nil {
				c.logger.Warnf("Failed to send delivery exhausted notification: %v", err)
			}
		}
		c.metrics.DeliveryOutcome(string(t.info.Protocol), outcome)

		t.tracker.memberDone(outcome)
	})
}

func (t *deliveryTask) report() DeliveryReport {
	r := DeliveryReport{
		MessageID:          t.tracker.job.Message.ID,
		TopicArn:           t.tracker.job.Message.TopicArn,
		SubscriptionArn:    t.info.SubscriptionArn,
		Protocol:           t.info.Protocol,
		Endpoint:           t.info.Endpoint,
		RawMessageDelivery: t.info.RawMessageDelivery,
		Phase:              t.ladder.Phase().String(),
		Attempts:           t.ladder.Total(),
		Message:            t.tracker.job.Message,
	}
	if t.lastErr != nil {
		r.LastError = t.lastErr.Error()
	}
	return r
}
