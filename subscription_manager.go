package cns

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"

	"github.com/coregx/cns/model"
	"github.com/coregx/cns/policy"
)

// SubscriptionManager handles the subscription lifecycle: subscribing
// endpoints to topics, the confirmation handshake, attributes and removal.
//
// Key operations:
//   - Subscribe: create a subscription, pending confirmation where needed
//   - ConfirmSubscription: complete the handshake with the issued token
//   - Unsubscribe: remove a subscription
//   - SetSubscriptionAttributes: change the delivery policy or raw delivery
//   - GetEffectiveDeliveryPolicy: the policy deliveries would use right now
//
// Thread safety: Safe for concurrent use.
type SubscriptionManager struct {
	subscriptionRepo    SubscriptionRepository
	topicRepo           TopicRepository
	logger              Logger
	notificationService NotificationService
}

// SubscriptionManagerOption is a function that configures a SubscriptionManager.
type SubscriptionManagerOption func(*SubscriptionManager) error

// NewSubscriptionManager creates a new SubscriptionManager with the provided options.
//
// Required options:
//   - WithSubscriptionManagerRepositories: subscription and topic repositories
//   - WithSubscriptionManagerLogger: logger instance
//
// Example:
//
//	manager, err := cns.NewSubscriptionManager(
//	    cns.WithSubscriptionManagerRepositories(subRepo, topicRepo),
//	    cns.WithSubscriptionManagerLogger(logger),
//	)
func NewSubscriptionManager(opts ...SubscriptionManagerOption) (*SubscriptionManager, error) {
	sm := &SubscriptionManager{notificationService: &NoOpNotificationService{}}

	for _, opt := range opts {
		if err := opt(sm); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply subscription manager option", err)
		}
	}

	if sm.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionRepository is required")
	}
	if sm.topicRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "TopicRepository is required")
	}
	if sm.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required")
	}

	return sm, nil
}

// WithSubscriptionManagerRepositories sets the required repository dependencies.
func WithSubscriptionManagerRepositories(subscriptionRepo SubscriptionRepository, topicRepo TopicRepository) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if subscriptionRepo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		if topicRepo == nil {
			return fmt.Errorf("topicRepo cannot be nil")
		}
		sm.subscriptionRepo = subscriptionRepo
		sm.topicRepo = topicRepo
		return nil
	}
}

// WithSubscriptionManagerLogger sets the logger instance for the subscription manager.
func WithSubscriptionManagerLogger(logger Logger) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		sm.logger = logger
		return nil
	}
}

// WithSubscriptionManagerNotifications sets the service told about created
// and deleted subscriptions. Default: NoOpNotificationService.
func WithSubscriptionManagerNotifications(service NotificationService) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		sm.notificationService = service
		return nil
	}
}

// SubscribeRequest represents a request to create a new subscription.
type SubscribeRequest struct {
	TopicArn string         `json:"topicArn" validate:"required"`
	Protocol model.Protocol `json:"protocol" validate:"required"`
	Endpoint string         `json:"endpoint" validate:"required"`
}

// Subscribe creates a subscription of an endpoint to a topic. Subscribing
// the same endpoint with the same protocol twice returns the existing
// subscription.
//
// http, https and email subscriptions start pending confirmation and carry
// a confirmation token; cqs and redis subscriptions are confirmed at once.
func (sm *SubscriptionManager) Subscribe(ctx context.Context, req SubscribeRequest) (*model.Subscription, error) {
	if req.TopicArn == "" {
		return nil, NewError(ErrCodeValidation, "topic ARN is required")
	}
	if err := validateEndpoint(req.Protocol, req.Endpoint); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid subscription endpoint", err)
	}

	topic, err := sm.topicRepo.Load(ctx, req.TopicArn)
	if err != nil {
		if IsNoData(err) {
			return nil, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("topic not found: %s", req.TopicArn), err)
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load topic", err)
	}

	existing, err := sm.findByEndpoint(ctx, topic.Arn, req.Protocol, req.Endpoint)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to check existing subscriptions", err)
	}
	if existing != nil {
		sm.logger.Warnf("Subscription already exists: arn=%s, protocol=%s, endpoint=%s",
			existing.Arn, req.Protocol, req.Endpoint)
		return existing, nil
	}

	subscription := model.NewSubscription(topic.Arn, topic.UserID, req.Protocol, req.Endpoint)
	subscription, err = sm.subscriptionRepo.Save(ctx, subscription)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to save subscription", err)
	}

	sm.logger.Infof("Subscription created: arn=%s, protocol=%s, status=%s",
		subscription.Arn, subscription.Protocol, subscription.Status)

	if err := sm.notificationService.NotifySubscriptionCreated(ctx, subscription); err != nil {
		sm.logger.Warnf("Failed to send subscription created notification: %v", err)
	}

	return &subscription, nil
}

// ConfirmSubscription completes the confirmation handshake. Confirming an
// already confirmed subscription is a no-op.
func (sm *SubscriptionManager) ConfirmSubscription(ctx context.Context, arn, token string) (*model.Subscription, error) {
	subscription, err := sm.load(ctx, arn)
	if err != nil {
		return nil, err
	}

	if subscription.IsConfirmed() {
		return subscription, nil
	}

	if err := subscription.Confirm(token); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "cannot confirm subscription", err)
	}

	saved, err := sm.subscriptionRepo.Save(ctx, *subscription)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to save subscription", err)
	}

	sm.logger.Infof("Subscription confirmed: arn=%s", arn)

	return &saved, nil
}

// Unsubscribe removes a subscription. Deliveries already queued for it may
// still be attempted.
func (sm *SubscriptionManager) Unsubscribe(ctx context.Context, arn string) error {
	subscription, err := sm.load(ctx, arn)
	if err != nil {
		return err
	}

	if err := sm.subscriptionRepo.Delete(ctx, *subscription); err != nil {
		return NewErrorWithCause(ErrCodeDatabase, "failed to delete subscription", err)
	}

	sm.logger.Infof("Subscription deleted: arn=%s", arn)

	if err := sm.notificationService.NotifySubscriptionDeleted(ctx, *subscription); err != nil {
		sm.logger.Warnf("Failed to send subscription deleted notification: %v", err)
	}
	return nil
}

// GetSubscription retrieves a single subscription by ARN.
func (sm *SubscriptionManager) GetSubscription(ctx context.Context, arn string) (*model.Subscription, error) {
	return sm.load(ctx, arn)
}

// ListSubscriptions returns one page of a topic's subscriptions and the
// token of the next page ("" on the last page).
func (sm *SubscriptionManager) ListSubscriptions(ctx context.Context, topicArn, pageToken string) ([]model.Subscription, string, error) {
	if topicArn == "" {
		return nil, "", NewError(ErrCodeValidation, "topic ARN is required")
	}

	subs, next, err := sm.subscriptionRepo.ListSubscriptionsByTopic(ctx, topicArn, "", pageToken, DefaultSubscriptionPageSize)
	if err != nil {
		if IsNoData(err) {
			return []model.Subscription{}, "", nil
		}
		if IsValidation(err) {
			return nil, "", err
		}
		return nil, "", NewErrorWithCause(ErrCodeDatabase, "failed to list subscriptions", err)
	}
	return subs, next, nil
}

// SubscriptionAttributes holds the settable attributes of a subscription.
// Nil fields are left unchanged; an empty DeliveryPolicy clears the
// subscription's own policy.
type SubscriptionAttributes struct {
	DeliveryPolicy     *string `json:"deliveryPolicy,omitempty"`
	RawMessageDelivery *bool   `json:"rawMessageDelivery,omitempty"`
}

// SetSubscriptionAttributes validates and stores subscription attributes.
// A delivery policy that fails validation is rejected and nothing is saved.
func (sm *SubscriptionManager) SetSubscriptionAttributes(ctx context.Context, arn string, attrs SubscriptionAttributes) (*model.Subscription, error) {
	subscription, err := sm.load(ctx, arn)
	if err != nil {
		return nil, err
	}

	if attrs.DeliveryPolicy != nil {
		if _, err := policy.ParseSubscriptionDeliveryPolicy(*attrs.DeliveryPolicy); err != nil {
			return nil, NewErrorWithCause(ErrCodeValidation, "invalid delivery policy", err)
		}
		subscription.DeliveryPolicy = *attrs.DeliveryPolicy
	}
	if attrs.RawMessageDelivery != nil {
		subscription.RawMessageDelivery = *attrs.RawMessageDelivery
	}

	saved, err := sm.subscriptionRepo.Save(ctx, *subscription)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to save subscription", err)
	}

	sm.logger.Infof("Subscription attributes updated: arn=%s", arn)

	return &saved, nil
}

// GetEffectiveDeliveryPolicy resolves the policy a delivery to the
// subscription would use now.
func (sm *SubscriptionManager) GetEffectiveDeliveryPolicy(ctx context.Context, arn string) (policy.Effective, error) {
	subscription, err := sm.load(ctx, arn)
	if err != nil {
		return policy.Effective{}, err
	}

	override, err := parseSubscriptionPolicy(*subscription)
	if err != nil {
		return policy.Effective{}, err
	}

	var topicPolicy policy.TopicDeliveryPolicy
	topic, err := sm.topicRepo.Load(ctx, subscription.TopicArn)
	switch {
	case err == nil:
		if topicPolicy, err = parseTopicPolicy(topic); err != nil {
			return policy.Effective{}, err
		}
	case !IsNoData(err):
		return policy.Effective{}, NewErrorWithCause(ErrCodeDatabase, "failed to load topic", err)
	}

	return policy.Resolve(topicPolicy, override, string(subscription.Protocol)), nil
}

func (sm *SubscriptionManager) load(ctx context.Context, arn string) (*model.Subscription, error) {
	if arn == "" {
		return nil, NewError(ErrCodeValidation, "subscription ARN is required")
	}

	subscription, err := sm.subscriptionRepo.Load(ctx, arn)
	if err != nil {
		if IsNoData(err) {
			return nil, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("subscription not found: %s", arn), err)
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load subscription", err)
	}
	return &subscription, nil
}

func (sm *SubscriptionManager) findByEndpoint(ctx context.Context, topicArn string, protocol model.Protocol, endpoint string) (*model.Subscription, error) {
	token := ""
	for {
		subs, next, err := sm.subscriptionRepo.ListSubscriptionsByTopic(ctx, topicArn, string(protocol), token, DefaultSubscriptionPageSize)
		if err != nil && !IsNoData(err) {
			return nil, err
		}
		for i := range subs {
			if subs[i].Endpoint == endpoint {
				return &subs[i], nil
			}
		}
		if next == "" || next == token {
			return nil, nil
		}
		token = next
	}
}

var errEndpointRequired = errors.New("endpoint is required")

func validateEndpoint(protocol model.Protocol, endpoint string) error {
	if !protocol.Valid() {
		return fmt.Errorf("unsupported protocol %q", protocol)
	}
	if endpoint == "" {
		return errEndpointRequired
	}

	switch protocol {
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		u, err := url.Parse(endpoint)
		if err != nil {
			return err
		}
		if u.Scheme != string(protocol) || u.Host == "" {
			return fmt.Errorf("endpoint must be an absolute %s URL", protocol)
		}
	case model.ProtocolEmail, model.ProtocolEmailJSON:
		if _, err := mail.ParseAddress(endpoint); err != nil {
			return err
		}
	}
	return nil
}
