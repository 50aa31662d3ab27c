package cns

import (
	"context"
	"fmt"
	"regexp"

	"github.com/coregx/cns/model"
	"github.com/coregx/cns/policy"
)

// DefaultRegion is the region used in topic ARNs unless WithRegion is set.
const DefaultRegion = "local"

var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// TopicManager creates, lists and deletes topics and stores their delivery
// policies.
type TopicManager struct {
	topicRepo        TopicRepository
	subscriptionRepo SubscriptionRepository
	logger           Logger
	region           string
}

// TopicManagerOption configures a TopicManager.
type TopicManagerOption func(*TopicManager) error

// NewTopicManager creates a new TopicManager.
//
// Required options:
//   - WithTopicManagerRepositories
//   - WithTopicManagerLogger
func NewTopicManager(opts ...TopicManagerOption) (*TopicManager, error) {
	tm := &TopicManager{region: DefaultRegion}

	for _, opt := range opts {
		if err := opt(tm); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply topic manager option", err)
		}
	}

	if tm.topicRepo == nil || tm.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "repositories are required (use WithTopicManagerRepositories)")
	}
	if tm.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required")
	}

	return tm, nil
}

// WithTopicManagerRepositories sets the topic and subscription repositories.
// Subscriptions are needed to remove them along with their topic.
func WithTopicManagerRepositories(topicRepo TopicRepository, subscriptionRepo SubscriptionRepository) TopicManagerOption {
	return func(tm *TopicManager) error {
		if topicRepo == nil {
			return fmt.Errorf("topicRepo cannot be nil")
		}
		if subscriptionRepo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		tm.topicRepo = topicRepo
		tm.subscriptionRepo = subscriptionRepo
		return nil
	}
}

// WithTopicManagerLogger sets the logger instance.
func WithTopicManagerLogger(logger Logger) TopicManagerOption {
	return func(tm *TopicManager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		tm.logger = logger
		return nil
	}
}

// WithRegion sets the region part of new topic ARNs.
func WithRegion(region string) TopicManagerOption {
	return func(tm *TopicManager) error {
		if region == "" {
			return fmt.Errorf("region cannot be empty")
		}
		tm.region = region
		return nil
	}
}

// CreateTopic creates a topic owned by userID. Creating a topic that
// already exists returns it unchanged.
func (tm *TopicManager) CreateTopic(ctx context.Context, userID, name string) (*model.Topic, error) {
	if userID == "" {
		return nil, NewError(ErrCodeValidation, "user ID is required")
	}
	if !topicNamePattern.MatchString(name) {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("invalid topic name: %q", name))
	}

	arn := model.TopicArn(tm.region, userID, name)
	existing, err := tm.topicRepo.Load(ctx, arn)
	if err == nil {
		return &existing, nil
	}
	if !IsNoData(err) {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load topic", err)
	}

	topic, err := tm.topicRepo.Save(ctx, model.NewTopic(tm.region, userID, name))
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to save topic", err)
	}

	tm.logger.Infof("Topic created: arn=%s", topic.Arn)
	return &topic, nil
}

// ListTopics returns the topics owned by userID, or every topic when
// userID is empty.
func (tm *TopicManager) ListTopics(ctx context.Context, userID string) ([]model.Topic, error) {
	topics, err := tm.topicRepo.List(ctx, userID)
	if err != nil {
		if IsNoData(err) {
			return []model.Topic{}, nil
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to list topics", err)
	}
	return topics, nil
}

// DeleteTopic removes a topic and all of its subscriptions.
func (tm *TopicManager) DeleteTopic(ctx context.Context, arn string) error {
	topic, err := tm.load(ctx, arn)
	if err != nil {
		return err
	}

	removed := 0
	for {
		// Deleted rows drop out of the listing, so the first page is
		// always re-read.
		subs, _, err := tm.subscriptionRepo.ListSubscriptionsByTopic(ctx, arn, "", "", DefaultSubscriptionPageSize)
		if err != nil && !IsNoData(err) {
			return NewErrorWithCause(ErrCodeDatabase, "failed to list subscriptions", err)
		}
		if len(subs) == 0 {
			break
		}
		for i := range subs {
			if err := tm.subscriptionRepo.Delete(ctx, subs[i]); err != nil && !IsNoData(err) {
				return NewErrorWithCause(ErrCodeDatabase, "failed to delete subscription", err)
			}
			removed++
		}
	}

	if err := tm.topicRepo.Delete(ctx, *topic); err != nil {
		return NewErrorWithCause(ErrCodeDatabase, "failed to delete topic", err)
	}

	tm.logger.Infof("Topic deleted: arn=%s, subscriptions=%d", arn, removed)
	return nil
}

// SetTopicDeliveryPolicy validates and stores the topic's per-protocol
// delivery policy. An empty document clears it.
func (tm *TopicManager) SetTopicDeliveryPolicy(ctx context.Context, arn, doc string) (*model.Topic, error) {
	topic, err := tm.load(ctx, arn)
	if err != nil {
		return nil, err
	}

	if _, err := policy.ParseTopicDeliveryPolicy(doc); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid delivery policy", err)
	}
	topic.DeliveryPolicy = doc

	saved, err := tm.topicRepo.Save(ctx, *topic)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to save topic", err)
	}

	tm.logger.Infof("Topic delivery policy updated: arn=%s", arn)
	return &saved, nil
}

func (tm *TopicManager) load(ctx context.Context, arn string) (*model.Topic, error) {
	if arn == "" {
		return nil, NewError(ErrCodeValidation, "topic ARN is required")
	}

	topic, err := tm.topicRepo.Load(ctx, arn)
	if err != nil {
		if IsNoData(err) {
			return nil, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("topic not found: %s", arn), err)
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load topic", err)
	}
	return &topic, nil
}
