package cns_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/cns"
	"github.com/coregx/cns/adapters/memory"
	"github.com/coregx/cns/endpoint"
	"github.com/coregx/cns/model"
)

type services struct {
	topics        *memory.TopicRepository
	subscriptions *memory.SubscriptionRepository
	publishQueue  *memory.Queue
	topicManager  *cns.TopicManager
	subManager    *cns.SubscriptionManager
	publisher     *cns.Publisher
}

func newServices(t *testing.T) *services {
	t.Helper()

	s := &services{
		topics:        memory.NewTopicRepository(),
		subscriptions: memory.NewSubscriptionRepository(),
		publishQueue:  memory.NewQueue(),
	}
	logger := &cns.NoopLogger{}

	var err error
	s.topicManager, err = cns.NewTopicManager(
		cns.WithTopicManagerRepositories(s.topics, s.subscriptions),
		cns.WithTopicManagerLogger(logger),
	)
	require.NoError(t, err)

	s.subManager, err = cns.NewSubscriptionManager(
		cns.WithSubscriptionManagerRepositories(s.subscriptions, s.topics),
		cns.WithSubscriptionManagerLogger(logger),
	)
	require.NoError(t, err)

	s.publisher, err = cns.NewPublisher(
		cns.WithPublishQueue(s.publishQueue),
		cns.WithPublisherTopics(s.topics),
		cns.WithPublisherLogger(logger),
	)
	require.NoError(t, err)
	return s
}

func TestTopicManager_CreateIsIdempotent(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()

	first, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)
	assert.Equal(t, "arn:cmb:cns:local:1:orders", first.Arn)

	second, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = s.topicManager.CreateTopic(ctx, "1", "bad name!")
	assert.True(t, cns.IsValidation(err))
	_, err = s.topicManager.CreateTopic(ctx, "", "orders")
	assert.True(t, cns.IsValidation(err))

	topics, err := s.topicManager.ListTopics(ctx, "2")
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestTopicManager_DeleteRemovesSubscriptions(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()

	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)
	for i := 0; i < cns.DefaultSubscriptionPageSize+5; i++ {
		_, err := s.subManager.Subscribe(ctx, cns.SubscribeRequest{
			TopicArn: topic.Arn,
			Protocol: model.ProtocolCQS,
			Endpoint: "queue-" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.topicManager.DeleteTopic(ctx, topic.Arn))

	subs, _, err := s.subscriptions.ListSubscriptionsByTopic(ctx, topic.Arn, "", "", 10)
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.True(t, cns.IsValidation(s.topicManager.DeleteTopic(ctx, topic.Arn)))
}

func TestTopicManager_SetTopicDeliveryPolicy(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)

	_, err = s.topicManager.SetTopicDeliveryPolicy(ctx, topic.Arn,
		`{"http":{"defaultHealthyRetryPolicy":{"minDelayTarget":30,"maxDelayTarget":10,"numRetries":3,"backoffFunction":"linear"}}}`)
	assert.True(t, cns.IsValidation(err), "max below min")

	updated, err := s.topicManager.SetTopicDeliveryPolicy(ctx, topic.Arn,
		`{"http":{"defaultHealthyRetryPolicy":{"minDelayTarget":5,"maxDelayTarget":10,"numRetries":7,"backoffFunction":"geometric"}}}`)
	require.NoError(t, err)
	assert.Contains(t, updated.DeliveryPolicy, "geometric")
}

func TestSubscriptionManager_SubscribeAndConfirm(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)

	sub, err := s.subManager.Subscribe(ctx, cns.SubscribeRequest{
		TopicArn: topic.Arn, Protocol: model.ProtocolHTTPS, Endpoint: "https://hooks.example.com/orders",
	})
	require.NoError(t, err)
	assert.False(t, sub.IsConfirmed())
	assert.NotEmpty(t, sub.ConfirmationToken)

	again, err := s.subManager.Subscribe(ctx, cns.SubscribeRequest{
		TopicArn: topic.Arn, Protocol: model.ProtocolHTTPS, Endpoint: "https://hooks.example.com/orders",
	})
	require.NoError(t, err)
	assert.Equal(t, sub.Arn, again.Arn, "duplicate subscribe returns existing subscription")

	_, err = s.subManager.ConfirmSubscription(ctx, sub.Arn, "wrong")
	assert.True(t, cns.IsValidation(err))

	confirmed, err := s.subManager.ConfirmSubscription(ctx, sub.Arn, sub.ConfirmationToken)
	require.NoError(t, err)
	assert.True(t, confirmed.IsConfirmed())

	stored, err := s.subManager.GetSubscription(ctx, sub.Arn)
	require.NoError(t, err)
	assert.True(t, stored.IsConfirmed())

	queueSub, err := s.subManager.Subscribe(ctx, cns.SubscribeRequest{
		TopicArn: topic.Arn, Protocol: model.ProtocolCQS, Endpoint: "orders-queue",
	})
	require.NoError(t, err)
	assert.True(t, queueSub.IsConfirmed(), "queue subscriptions are confirmed on creation")

	page, next, err := s.subManager.ListSubscriptions(ctx, topic.Arn, "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Empty(t, next)
}

func TestSubscriptionManager_SubscribeValidation(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  cns.SubscribeRequest
	}{
		{name: "missing topic", req: cns.SubscribeRequest{Protocol: model.ProtocolCQS, Endpoint: "q"}},
		{name: "unknown topic", req: cns.SubscribeRequest{TopicArn: topic.Arn + "x", Protocol: model.ProtocolCQS, Endpoint: "q"}},
		{name: "unknown protocol", req: cns.SubscribeRequest{TopicArn: topic.Arn, Protocol: "sms", Endpoint: "+100"}},
		{name: "empty endpoint", req: cns.SubscribeRequest{TopicArn: topic.Arn, Protocol: model.ProtocolCQS}},
		{name: "scheme mismatch", req: cns.SubscribeRequest{TopicArn: topic.Arn, Protocol: model.ProtocolHTTPS, Endpoint: "http://h/"}},
		{name: "relative url", req: cns.SubscribeRequest{TopicArn: topic.Arn, Protocol: model.ProtocolHTTP, Endpoint: "/hook"}},
		{name: "bad email", req: cns.SubscribeRequest{TopicArn: topic.Arn, Protocol: model.ProtocolEmail, Endpoint: "not-an-address"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.subManager.Subscribe(ctx, tt.req)
			assert.True(t, cns.IsValidation(err), "got %v", err)
		})
	}
}

func TestSubscriptionManager_AttributesAndEffectivePolicy(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)
	_, err = s.topicManager.SetTopicDeliveryPolicy(ctx, topic.Arn,
		`{"http":{"defaultHealthyRetryPolicy":{"minDelayTarget":5,"maxDelayTarget":10,"numRetries":7,"backoffFunction":"geometric"},"defaultSicklyRetryPolicy":{"minDelayTarget":60,"maxDelayTarget":60,"numRetries":2,"backoffFunction":"linear"}}}`)
	require.NoError(t, err)

	sub, err := s.subManager.Subscribe(ctx, cns.SubscribeRequest{
		TopicArn: topic.Arn, Protocol: model.ProtocolHTTP, Endpoint: "http://hooks.local/",
	})
	require.NoError(t, err)

	eff, err := s.subManager.GetEffectiveDeliveryPolicy(ctx, sub.Arn)
	require.NoError(t, err)
	assert.Equal(t, 7, eff.HealthyPolicy().NumRetries, "topic default")
	require.NotNil(t, eff.Sickly)

	invalid := `{"healthyRetryPolicy":{"minDelayTarget":1,"maxDelayTarget":1,"numRetries":101,"backoffFunction":"linear"}}`
	_, err = s.subManager.SetSubscriptionAttributes(ctx, sub.Arn, cns.SubscriptionAttributes{DeliveryPolicy: &invalid})
	assert.True(t, cns.IsValidation(err))

	override := `{"healthyRetryPolicy":{"minDelayTarget":1,"maxDelayTarget":3,"numRetries":2,"backoffFunction":"exponential"}}`
	raw := true
	updated, err := s.subManager.SetSubscriptionAttributes(ctx, sub.Arn, cns.SubscriptionAttributes{
		DeliveryPolicy:     &override,
		RawMessageDelivery: &raw,
	})
	require.NoError(t, err)
	assert.True(t, updated.RawMessageDelivery)

	eff, err = s.subManager.GetEffectiveDeliveryPolicy(ctx, sub.Arn)
	require.NoError(t, err)
	assert.Equal(t, 2, eff.HealthyPolicy().NumRetries, "subscription override wins")
	require.NotNil(t, eff.Sickly, "unset override fields fall back to the topic")
	assert.Equal(t, 60, eff.Sickly.MinDelayTarget)
}

func TestSubscriptionManager_Unsubscribe(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)
	sub, err := s.subManager.Subscribe(ctx, cns.SubscribeRequest{TopicArn: topic.Arn, Protocol: model.ProtocolRedis, Endpoint: "orders"})
	require.NoError(t, err)

	require.NoError(t, s.subManager.Unsubscribe(ctx, sub.Arn))
	assert.True(t, cns.IsValidation(s.subManager.Unsubscribe(ctx, sub.Arn)))
	_, err = s.subManager.GetSubscription(ctx, sub.Arn)
	assert.True(t, cns.IsValidation(err))
}

func TestPublisher_Publish(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)

	res, err := s.publisher.Publish(ctx, cns.PublishRequest{
		TopicArn:         topic.Arn,
		Subject:          "created",
		Message:          `{"default":"plain","email":"for email"}`,
		MessageStructure: model.MessageStructureJSON,
		Attributes:       map[string]model.MessageAttribute{"kind": {DataType: "String", Value: "order"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	bodies := s.publishQueue.Bodies()
	require.Len(t, bodies, 1)
	job, err := model.DefaultCodec.DecodePublishJob(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, res.MessageID, job.Message.ID)
	assert.Equal(t, topic.Arn, job.TopicArn)
	assert.Equal(t, "1", job.Message.UserID)
	assert.Equal(t, "for email", job.Message.BodyFor(model.ProtocolEmail))
	assert.Equal(t, "order", job.Message.Attributes["kind"].Value)
}

func TestPublisher_Validation(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  cns.PublishRequest
	}{
		{name: "no topic", req: cns.PublishRequest{Message: "x"}},
		{name: "unknown topic", req: cns.PublishRequest{TopicArn: topic.Arn + "x", Message: "x"}},
		{name: "empty message", req: cns.PublishRequest{TopicArn: topic.Arn}},
		{name: "bad structure", req: cns.PublishRequest{TopicArn: topic.Arn, Message: "x", MessageStructure: "xml"}},
		{name: "json without default", req: cns.PublishRequest{TopicArn: topic.Arn, Message: `{"http":"x"}`, MessageStructure: model.MessageStructureJSON}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.publisher.Publish(ctx, tt.req)
			assert.True(t, cns.IsValidation(err), "got %v", err)
		})
	}
	assert.Equal(t, 0, s.publishQueue.Len())

	results, err := s.publisher.PublishBatch(ctx, []cns.PublishRequest{
		{TopicArn: topic.Arn, Message: "a"},
		{TopicArn: "missing", Message: "b"},
		{TopicArn: topic.Arn, Message: "c"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, s.publishQueue.Len())
}

func TestPipeline_PublishToDelivery(t *testing.T) {
	s := newServices(t)
	ctx := context.Background()
	topic, err := s.topicManager.CreateTopic(ctx, "1", "orders")
	require.NoError(t, err)

	var endpoints []string
	for i := 0; i < 5; i++ {
		sub, err := s.subManager.Subscribe(ctx, cns.SubscribeRequest{
			TopicArn: topic.Arn, Protocol: model.ProtocolCQS, Endpoint: "queue-" + string(rune('a'+i)),
		})
		require.NoError(t, err)
		endpoints = append(endpoints, sub.Endpoint)
	}
	pending, err := s.subManager.Subscribe(ctx, cns.SubscribeRequest{
		TopicArn: topic.Arn, Protocol: model.ProtocolHTTP, Endpoint: "http://unconfirmed.local/",
	})
	require.NoError(t, err)

	endpointQueue := memory.NewQueue()
	producer, err := cns.NewProducer(
		cns.WithProducerQueues(s.publishQueue, endpointQueue),
		cns.WithSubscriptionLister(s.subscriptions),
		cns.WithProducerLogger(&cns.NoopLogger{}),
		cns.WithMaxSubscriptionsPerJob(2),
		cns.WithProducerReceiveWait(0),
	)
	require.NoError(t, err)

	fakes := newFakeEndpoints()
	registry := endpoint.NewRegistry()
	registry.Register(model.ProtocolCQS, fakes.factory())
	registry.Register(model.ProtocolHTTP, fakes.factory())
	monitor, err := cns.NewBadEndpointMonitor()
	require.NoError(t, err)

	consumer, err := cns.NewConsumer(
		cns.WithConsumerQueue(endpointQueue),
		cns.WithDeliveryPolicyStore(cns.NewRepositoryPolicyStore(s.topics, s.subscriptions)),
		cns.WithPublishers(registry),
		cns.WithMonitor(monitor),
		cns.WithSigner(model.NewSigner([]byte("k"), "http://cns.local")),
		cns.WithConsumerLogger(&cns.NoopLogger{}),
		cns.WithConsumerReceiveWait(0),
		cns.WithTimerFunc(fastTimers),
	)
	require.NoError(t, err)
	defer consumer.Stop()

	_, err = s.publisher.Publish(ctx, cns.PublishRequest{TopicArn: topic.Arn, Message: "order 42"})
	require.NoError(t, err)

	require.NoError(t, producer.RunOnce(ctx))
	assert.Equal(t, 3, endpointQueue.Len())

	for i := 0; i < 3; i++ {
		require.NoError(t, consumer.RunOnce(ctx))
	}
	consumer.Wait()

	for _, ep := range endpoints {
		assert.Equal(t, 1, fakes.count(ep), ep)
	}
	assert.Equal(t, 0, fakes.count(pending.Endpoint), "unconfirmed subscriptions get nothing")
	assert.Equal(t, 0, endpointQueue.Len())
	assert.Equal(t, 0, s.publishQueue.Len())
}
