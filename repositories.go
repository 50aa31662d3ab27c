package cns

import (
	"context"
	"time"

	"github.com/coregx/cns/model"
	"github.com/coregx/cns/policy"
)

// QueueMessage is one message received from a WorkQueue.
type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// WorkQueue is the queue collaborator jobs travel through. Receipt handles
// identify one receive of a message; a message that is received and not
// deleted before its visibility timeout is delivered again.
//
// Implementations must be safe for concurrent use.
type WorkQueue interface {
	// Enqueue appends a message and returns its ID.
	Enqueue(ctx context.Context, body string) (string, error)

	// Receive waits up to maxWait for one message. It returns nil, nil
	// when none is available.
	Receive(ctx context.Context, maxWait time.Duration) (*QueueMessage, error)

	// Delete removes a received message.
	Delete(ctx context.Context, receiptHandle string) error

	// ChangeVisibility extends or shortens how long a received message
	// stays hidden from other receivers.
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}

// SubscriptionLister lists a topic's subscriptions page by page.
type SubscriptionLister interface {
	// ListSubscriptionsByTopic returns up to pageSize subscriptions of
	// topicArn starting after pageToken, and the token of the next page.
	// An empty protocol lists every protocol. An empty next token means
	// the listing is exhausted.
	ListSubscriptionsByTopic(ctx context.Context, topicArn, protocol, pageToken string, pageSize int) ([]model.Subscription, string, error)
}

// DeliveryPolicyStore loads stored delivery policies.
type DeliveryPolicyStore interface {
	// GetTopicDeliveryPolicy returns the topic's per-protocol defaults.
	// Topics without a policy return an empty policy.
	GetTopicDeliveryPolicy(ctx context.Context, topicArn string) (policy.TopicDeliveryPolicy, error)

	// GetSubscriptionDeliveryPolicy returns the subscription override, or
	// nil when the subscription has none.
	GetSubscriptionDeliveryPolicy(ctx context.Context, subscriptionArn string) (*policy.SubscriptionDeliveryPolicy, error)
}

// TopicRepository persists topics.
type TopicRepository interface {
	// Load retrieves a topic by ARN.
	// Returns ErrNoData if not found.
	Load(ctx context.Context, arn string) (model.Topic, error)

	// Save creates a topic (if ID=0) or updates an existing one.
	Save(ctx context.Context, m model.Topic) (model.Topic, error)

	// Delete removes a topic.
	Delete(ctx context.Context, m model.Topic) error

	// List returns every topic owned by userID, or every topic when
	// userID is empty.
	List(ctx context.Context, userID string) ([]model.Topic, error)
}

// SubscriptionRepository persists subscriptions.
type SubscriptionRepository interface {
	SubscriptionLister

	// Load retrieves a subscription by ARN.
	// Returns ErrNoData if not found.
	Load(ctx context.Context, arn string) (model.Subscription, error)

	// Save creates a subscription (if ID=0) or updates an existing one.
	Save(ctx context.Context, m model.Subscription) (model.Subscription, error)

	// Delete removes a subscription.
	Delete(ctx context.Context, m model.Subscription) error
}
