// Package sqs implements cns.WorkQueue on top of Amazon SQS or any service
// speaking its API.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/coregx/cns"
)

// maxWaitSeconds is the longest long-poll SQS accepts.
const maxWaitSeconds = 20

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// Queue is a cns.WorkQueue backed by one SQS queue.
type Queue struct {
	client API
	url    string
}

var _ cns.WorkQueue = (*Queue)(nil)

// NewQueue returns a queue sending to and receiving from queueURL.
func NewQueue(client API, queueURL string) (*Queue, error) {
	if client == nil {
		return nil, errors.New("sqs: client is required")
	}
	if queueURL == "" {
		return nil, errors.New("sqs: queue URL is required")
	}
	return &Queue{client: client, url: queueURL}, nil
}

// ResolveQueue looks up the URL of the queue called name.
func ResolveQueue(ctx context.Context, client API, name string) (*Queue, error) {
	if client == nil {
		return nil, errors.New("sqs: client is required")
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to resolve queue %s: %w", name, err)
	}
	return NewQueue(client, aws.ToString(out.QueueUrl))
}

// URL returns the queue URL.
func (q *Queue) URL() string {
	return q.url
}

// Enqueue implements cns.WorkQueue.
func (q *Queue) Enqueue(ctx context.Context, body string) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("sqs: failed to send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive implements cns.WorkQueue. maxWait is rounded down to whole
// seconds and capped at the SQS long-poll limit.
func (q *Queue) Receive(ctx context.Context, maxWait time.Duration) (*cns.QueueMessage, error) {
	wait := int32(maxWait / time.Second)
	if wait > maxWaitSeconds {
		wait = maxWaitSeconds
	}
	if wait < 0 {
		wait = 0
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     wait,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to receive message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]
	return &cns.QueueMessage{
		ID:            aws.ToString(m.MessageId),
		Body:          aws.ToString(m.Body),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
	}, nil
}

// Delete implements cns.WorkQueue.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs: failed to delete message: %w", err)
	}
	return nil
}

// ChangeVisibility implements cns.WorkQueue. The timeout is rounded up to
// whole seconds.
func (q *Queue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	secs := int32((timeout + time.Second - 1) / time.Second)
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: secs,
	})
	if err != nil {
		return fmt.Errorf("sqs: failed to change visibility: %w", err)
	}
	return nil
}
