package endpoint

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNoReceivers is returned when a channel had no subscribers at publish
// time, which counts as a failed attempt.
var ErrNoReceivers = errors.New("no receivers on channel")

// RedisPublishClient is the subset of the go-redis client used for redis
// deliveries.
type RedisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// RedisFactory returns a factory for redis publishers. The endpoint of a
// redis subscription is the channel name. With requireReceivers set, a
// publish nobody hears is reported as a failure.
func RedisFactory(client RedisPublishClient, requireReceivers bool) Factory {
	return func() Publisher {
		return &RedisPublisher{client: client, requireReceivers: requireReceivers}
	}
}

// RedisPublisher publishes the message on a pub/sub channel.
type RedisPublisher struct {
	base
	client           RedisPublishClient
	requireReceivers bool
}

// Send implements Publisher.
func (p *RedisPublisher) Send(ctx context.Context) error {
	receivers, err := p.client.Publish(ctx, p.endpoint, p.message).Result()
	if err != nil {
		return fmt.Errorf("publish to channel %s: %w", p.endpoint, err)
	}
	if p.requireReceivers && receivers == 0 {
		return fmt.Errorf("%w: %s", ErrNoReceivers, p.endpoint)
	}
	return nil
}
