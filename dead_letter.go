package cns

import (
	"context"
	"time"

	"github.com/coregx/cns/model"
)

// DeadLetterFailureReason is recorded on letters written when a retry
// ladder runs out.
const DeadLetterFailureReason = "delivery retries exhausted"

// DeadLetterQueue is a NotificationService that parks exhausted deliveries
// on a WorkQueue and forwards every hook to the wrapped service.
type DeadLetterQueue struct {
	queue  WorkQueue
	next   NotificationService
	codec  model.Codec
	logger Logger
}

// NewDeadLetterQueue wraps next. A nil next behaves like
// NoOpNotificationService.
func NewDeadLetterQueue(queue WorkQueue, next NotificationService, logger Logger) (*DeadLetterQueue, error) {
	if queue == nil || logger == nil {
		return nil, ErrInvalidConfiguration
	}
	if next == nil {
		next = &NoOpNotificationService{}
	}
	return &DeadLetterQueue{queue: queue, next: next, codec: model.DefaultCodec, logger: logger}, nil
}

// NotifyDeliveryFailure forwards to the wrapped service.
func (d *DeadLetterQueue) NotifyDeliveryFailure(ctx context.Context, report DeliveryReport, err error) error {
	return d.next.NotifyDeliveryFailure(ctx, report, err)
}

// NotifyDeliveryExhausted writes a dead letter, then forwards.
func (d *DeadLetterQueue) NotifyDeliveryExhausted(ctx context.Context, report DeliveryReport) error {
	sub := model.EndpointSubscriptionInfo{
		Protocol:           report.Protocol,
		Endpoint:           report.Endpoint,
		SubscriptionArn:    report.SubscriptionArn,
		RawMessageDelivery: report.RawMessageDelivery,
	}
	letter := model.NewDeadLetter(report.Message, sub, report.Attempts, report.LastError, DeadLetterFailureReason)

	body, err := model.EncodeDeadLetter(letter)
	if err != nil {
		return NewErrorWithCause(ErrCodeValidation, "failed to encode dead letter", err)
	}
	if _, err := d.queue.Enqueue(ctx, body); err != nil {
		return NewErrorWithCause(ErrCodeQueue, "failed to enqueue dead letter", err)
	}
	d.logger.Infof("Dead letter stored: id=%s, message_id=%s, subscription=%s",
		letter.ID, report.MessageID, report.SubscriptionArn)

	return d.next.NotifyDeliveryExhausted(ctx, report)
}

// NotifySubscriptionCreated forwards to the wrapped service.
func (d *DeadLetterQueue) NotifySubscriptionCreated(ctx context.Context, s model.Subscription) error {
	return d.next.NotifySubscriptionCreated(ctx, s)
}

// NotifySubscriptionDeleted forwards to the wrapped service.
func (d *DeadLetterQueue) NotifySubscriptionDeleted(ctx context.Context, s model.Subscription) error {
	return d.next.NotifySubscriptionDeleted(ctx, s)
}

// Redrive moves up to limit dead letters back onto target as single
// subscriber endpoint publish jobs. Malformed letters are dropped. A letter
// is deleted only after its job is enqueued, so a failure leaves it to be
// redriven again. It returns the number of letters redriven.
func (d *DeadLetterQueue) Redrive(ctx context.Context, target WorkQueue, limit int) (int, error) {
	if target == nil || limit <= 0 {
		return 0, NewError(ErrCodeValidation, "redrive needs a target queue and a positive limit")
	}

	moved := 0
	for moved < limit {
		qm, err := d.queue.Receive(ctx, 0)
		if err != nil {
			return moved, NewErrorWithCause(ErrCodeQueue, "failed to receive dead letter", err)
		}
		if qm == nil {
			return moved, nil
		}

		letter, err := model.DecodeDeadLetter(qm.Body)
		if err != nil {
			d.logger.Errorf("Dropping malformed dead letter %s: %v", qm.ID, err)
			if derr := d.queue.Delete(ctx, qm.ReceiptHandle); derr != nil {
				return moved, NewErrorWithCause(ErrCodeQueue, "failed to delete dead letter", derr)
			}
			continue
		}

		body, err := d.codec.EncodeEndpointJob(letter.RedriveJob())
		if err != nil {
			return moved, NewErrorWithCause(ErrCodeValidation, "failed to encode redrive job", err)
		}
		if _, err := target.Enqueue(ctx, body); err != nil {
			return moved, NewErrorWithCause(ErrCodeQueue, "failed to enqueue redrive job", err)
		}
		if err := d.queue.Delete(ctx, qm.ReceiptHandle); err != nil {
			return moved, NewErrorWithCause(ErrCodeQueue, "failed to delete dead letter", err)
		}

		d.logger.Debugf("Redrove dead letter %s (age %s) to subscription %s",
			letter.ID, letter.Age(time.Now()).Round(time.Second), letter.Subscriber.SubscriptionArn)
		moved++
	}
	return moved, nil
}
