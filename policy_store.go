package cns

import (
	"context"

	"github.com/coregx/cns/model"
	"github.com/coregx/cns/policy"
)

// RepositoryPolicyStore reads delivery policies from the DeliveryPolicy
// attribute of stored topics and subscriptions.
type RepositoryPolicyStore struct {
	topics        TopicRepository
	subscriptions SubscriptionRepository
}

// NewRepositoryPolicyStore creates a DeliveryPolicyStore over repositories.
func NewRepositoryPolicyStore(topics TopicRepository, subscriptions SubscriptionRepository) *RepositoryPolicyStore {
	return &RepositoryPolicyStore{topics: topics, subscriptions: subscriptions}
}

// GetTopicDeliveryPolicy implements DeliveryPolicyStore. An unknown topic
// yields an empty policy so deliveries fall back to defaults.
func (s *RepositoryPolicyStore) GetTopicDeliveryPolicy(ctx context.Context, topicArn string) (policy.TopicDeliveryPolicy, error) {
	topic, err := s.topics.Load(ctx, topicArn)
	if IsNoData(err) {
		return policy.TopicDeliveryPolicy{}, nil
	}
	if err != nil {
		return nil, err
	}
	return parseTopicPolicy(topic)
}

// GetSubscriptionDeliveryPolicy implements DeliveryPolicyStore.
func (s *RepositoryPolicyStore) GetSubscriptionDeliveryPolicy(ctx context.Context, subscriptionArn string) (*policy.SubscriptionDeliveryPolicy, error) {
	sub, err := s.subscriptions.Load(ctx, subscriptionArn)
	if IsNoData(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseSubscriptionPolicy(sub)
}

func parseTopicPolicy(topic model.Topic) (policy.TopicDeliveryPolicy, error) {
	p, err := policy.ParseTopicDeliveryPolicy(topic.DeliveryPolicy)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "stored topic delivery policy is invalid", err)
	}
	return p, nil
}

func parseSubscriptionPolicy(sub model.Subscription) (*policy.SubscriptionDeliveryPolicy, error) {
	p, err := policy.ParseSubscriptionDeliveryPolicy(sub.DeliveryPolicy)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "stored subscription delivery policy is invalid", err)
	}
	return p, nil
}
