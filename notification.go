package cns

import (
	"context"

	"github.com/coregx/cns/model"
)

// DeliveryReport describes one subscriber's delivery state when a
// NotificationService hook fires.
type DeliveryReport struct {
	MessageID          string
	TopicArn           string
	SubscriptionArn    string
	Protocol           model.Protocol
	Endpoint           string
	RawMessageDelivery bool
	Phase              string
	Attempts           int

	// LastError is the error of the latest failed attempt, if any.
	LastError string

	// Message is the notification being delivered.
	Message model.Message
}

// NotificationService receives callbacks about delivery and subscription
// events (alerting, audit trails, ...). Hooks run on delivery goroutines
// and should return quickly.
type NotificationService interface {
	// NotifyDeliveryFailure is called after every failed attempt.
	NotifyDeliveryFailure(ctx context.Context, report DeliveryReport, err error) error

	// NotifyDeliveryExhausted is called when a subscriber's retry ladder
	// runs out.
	NotifyDeliveryExhausted(ctx context.Context, report DeliveryReport) error

	// NotifySubscriptionCreated is called when a subscription is created.
	NotifySubscriptionCreated(ctx context.Context, subscription model.Subscription) error

	// NotifySubscriptionDeleted is called when a subscription is removed.
	NotifySubscriptionDeleted(ctx context.Context, subscription model.Subscription) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
type NoOpNotificationService struct{}

// NotifyDeliveryFailure does nothing.
func (n *NoOpNotificationService) NotifyDeliveryFailure(_ context.Context, _ DeliveryReport, _ error) error {
	return nil
}

// NotifyDeliveryExhausted does nothing.
func (n *NoOpNotificationService) NotifyDeliveryExhausted(_ context.Context, _ DeliveryReport) error {
	return nil
}

// NotifySubscriptionCreated does nothing.
func (n *NoOpNotificationService) NotifySubscriptionCreated(_ context.Context, _ model.Subscription) error {
	return nil
}

// NotifySubscriptionDeleted does nothing.
func (n *NoOpNotificationService) NotifySubscriptionDeleted(_ context.Context, _ model.Subscription) error {
	return nil
}

// LoggingNotificationService logs every event.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeliveryFailure logs a failed attempt.
func (n *LoggingNotificationService) NotifyDeliveryFailure(_ context.Context, r DeliveryReport, err error) error {
	n.logger.Warnf("Delivery attempt failed: message_id=%s, subscription=%s, endpoint=%s, phase=%s, attempt=%d, error=%v",
		r.MessageID, r.SubscriptionArn, r.Endpoint, r.Phase, r.Attempts, err)
	return nil
}

// NotifyDeliveryExhausted logs an exhausted subscriber.
func (n *LoggingNotificationService) NotifyDeliveryExhausted(_ context.Context, r DeliveryReport) error {
	n.logger.Errorf("Delivery exhausted: message_id=%s, topic=%s, subscription=%s, endpoint=%s, attempts=%d",
		r.MessageID, r.TopicArn, r.SubscriptionArn, r.Endpoint, r.Attempts)
	return nil
}

// NotifySubscriptionCreated logs subscription creation.
func (n *LoggingNotificationService) NotifySubscriptionCreated(_ context.Context, s model.Subscription) error {
	n.logger.Infof("Subscription created: arn=%s, topic=%s, protocol=%s, status=%s",
		s.Arn, s.TopicArn, s.Protocol, s.Status)
	return nil
}

// NotifySubscriptionDeleted logs subscription removal.
func (n *LoggingNotificationService) NotifySubscriptionDeleted(_ context.Context, s model.Subscription) error {
	n.logger.Infof("Subscription deleted: arn=%s, topic=%s", s.Arn, s.TopicArn)
	return nil
}
