package endpoint

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSSender is the subset of the SQS client used for cqs deliveries.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// QueueFactory returns a factory for cqs publishers sending through client.
// The endpoint of a cqs subscription is the target queue URL.
func QueueFactory(client SQSSender) Factory {
	return func() Publisher { return &QueuePublisher{client: client} }
}

// QueuePublisher sends the message to a queue.
type QueuePublisher struct {
	base
	client SQSSender
}

// Send implements Publisher.
func (p *QueuePublisher) Send(ctx context.Context) error {
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.endpoint),
		MessageBody:       aws.String(p.message),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{},
	}
	if p.subject != "" {
		input.MessageAttributes["Subject"] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.subject),
		}
	}
	if p.user.ID != "" {
		input.MessageAttributes["Owner"] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.user.ID),
		}
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send to queue %s: %w", p.endpoint, err)
	}
	return nil
}
