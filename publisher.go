package cns

import (
	"context"
	"fmt"

	"github.com/coregx/cns/model"
)

// Publisher accepts messages for topics and enqueues one publish job per
// message. Fan-out to subscribers happens later in the Producer.
type Publisher struct {
	publishQueue WorkQueue
	topicRepo    TopicRepository
	codec        model.Codec
	logger       Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher) error

// NewPublisher creates a new Publisher with the provided options.
//
// Required options:
//   - WithPublishQueue: queue publish jobs are written to
//   - WithPublisherTopics: topic repository
//   - WithPublisherLogger: logger instance
//
// Example:
//
//	publisher, err := cns.NewPublisher(
//	    cns.WithPublishQueue(publishQueue),
//	    cns.WithPublisherTopics(topicRepo),
//	    cns.WithPublisherLogger(logger),
//	)
func NewPublisher(opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{codec: model.DefaultCodec}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply publisher option", err)
		}
	}

	if p.publishQueue == nil {
		return nil, NewError(ErrCodeConfiguration, "publish queue is required (use WithPublishQueue)")
	}
	if p.topicRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "TopicRepository is required (use WithPublisherTopics)")
	}
	if p.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithPublisherLogger)")
	}

	return p, nil
}

// WithPublishQueue sets the queue publish jobs are enqueued on.
func WithPublishQueue(q WorkQueue) PublisherOption {
	return func(p *Publisher) error {
		if q == nil {
			return fmt.Errorf("publish queue cannot be nil")
		}
		p.publishQueue = q
		return nil
	}
}

// WithPublisherTopics sets the topic repository used to check that a topic
// exists and to find its owner.
func WithPublisherTopics(topicRepo TopicRepository) PublisherOption {
	return func(p *Publisher) error {
		if topicRepo == nil {
			return fmt.Errorf("topicRepo cannot be nil")
		}
		p.topicRepo = topicRepo
		return nil
	}
}

// WithPublisherLogger sets the logger instance.
func WithPublisherLogger(logger Logger) PublisherOption {
	return func(p *Publisher) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		p.logger = logger
		return nil
	}
}

// WithPublisherCodec sets the job codec. Default: model.DefaultCodec.
func WithPublisherCodec(c model.Codec) PublisherOption {
	return func(p *Publisher) error {
		p.codec = c
		return nil
	}
}

// PublishRequest represents a request to publish a message.
type PublishRequest struct {
	TopicArn         string                            `json:"topicArn" validate:"required"`
	Subject          string                            `json:"subject,omitempty" validate:"max=100"`
	Message          string                            `json:"message" validate:"required"`
	MessageStructure string                            `json:"messageStructure,omitempty" validate:"omitempty,oneof=json"`
	Attributes       map[string]model.MessageAttribute `json:"messageAttributes,omitempty"`
}

// Publish validates the message, checks that its topic exists and enqueues
// a publish job. The returned message ID is the ID subscribers will see.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*model.PublishResult, error) {
	if req.TopicArn == "" {
		return nil, NewError(ErrCodeValidation, "topic ARN is required")
	}

	topic, err := p.topicRepo.Load(ctx, req.TopicArn)
	if err != nil {
		if IsNoData(err) {
			return nil, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("topic not found: %s", req.TopicArn), err)
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load topic", err)
	}

	message := model.NewMessage(topic.Arn, topic.UserID, req.Subject, req.Message)
	message.Structure = req.MessageStructure
	message.Attributes = req.Attributes
	if err := message.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid message", err)
	}

	body, err := p.codec.EncodePublishJob(model.NewPublishJob(message))
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeQueue, "failed to encode publish job", err)
	}
	if _, err := p.publishQueue.Enqueue(ctx, body); err != nil {
		return nil, NewErrorWithCause(ErrCodeQueue, "failed to enqueue publish job", err)
	}

	p.logger.Infof("Message published: id=%s, topic=%s", message.ID, topic.Arn)

	return &model.PublishResult{MessageID: message.ID}, nil
}

// PublishBatch publishes several messages. Failed requests are logged and
// skipped; the results of the successful ones are returned in order.
func (p *Publisher) PublishBatch(ctx context.Context, requests []PublishRequest) ([]*model.PublishResult, error) {
	if len(requests) == 0 {
		return []*model.PublishResult{}, nil
	}

	results := make([]*model.PublishResult, 0, len(requests))

	for _, req := range requests {
		result, err := p.Publish(ctx, req)
		if err != nil {
			p.logger.Errorf("Failed to publish message (topic=%s): %v", req.TopicArn, err)
			continue
		}
		results = append(results, result)
	}

	return results, nil
}
