// Package cns is the fan-out and delivery engine of an SNS-compatible
// notification service. Topics fan published messages out to confirmed
// subscriptions over HTTP(S), email, queue and redis endpoints, with
// per-subscriber retry ladders driven by SNS-style delivery policies.
//
// Works both as a library for embedding in your application AND as a
// standalone service with REST API (cmd/cns-server).
//
// # Features
//
//   - Two-stage pipeline: publish jobs fan out into endpoint publish jobs
//   - Per-subscriber retry ladders (healthy then sickly phase)
//   - Linear, arithmetic, geometric and exponential backoff curves
//   - Topic and subscription delivery policies with override rules
//   - Bad endpoint monitor that starts sick endpoints on the sickly ladder
//   - Dead-lettering of exhausted deliveries with redrive
//   - Pluggable work queues: in-memory or Amazon SQS
//   - Multi-database support: MySQL, PostgreSQL, SQLite via Relica adapters
//   - Embedded migrations for easy database setup
//   - Prometheus metrics and OpenTelemetry spans
//
// # Quick Start
//
// Wire repositories and queues, then run producers and consumers:
//
//	repos := relica.NewRepositories(db, "mysql")
//	publishQueue := memory.NewQueue()
//	endpointQueue := memory.NewQueue()
//
//	publisher, _ := cns.NewPublisher(
//	    cns.WithPublishQueue(publishQueue),
//	    cns.WithPublisherTopics(repos.Topic),
//	    cns.WithPublisherLogger(logger),
//	)
//
//	producer, _ := cns.NewProducer(
//	    cns.WithProducerQueues(publishQueue, endpointQueue),
//	    cns.WithSubscriptionLister(repos.Subscription),
//	    cns.WithProducerLogger(logger),
//	)
//
//	consumer, _ := cns.NewConsumer(
//	    cns.WithConsumerQueue(endpointQueue),
//	    cns.WithDeliveryPolicyStore(repos.PolicyStore()),
//	    cns.WithPublishers(registry),
//	    cns.WithMonitor(monitor),
//	    cns.WithSigner(signer),
//	    cns.WithConsumerLogger(logger),
//	)
//
//	go producer.Run(ctx, 100*time.Millisecond)
//	go consumer.Run(ctx, 100*time.Millisecond)
//
// Publish a message:
//
//	result, err := publisher.Publish(ctx, cns.PublishRequest{
//	    TopicArn: "arn:cmb:cns:local:1:orders",
//	    Message:  `{"orderId": 42}`,
//	})
//
// # Message Flow
//
//  1. PUBLISH
//     Publisher → Validate message → Enqueue publish job
//
//  2. PRODUCER (Background)
//     Receive publish job → Page through confirmed subscriptions
//     → Batch subscribers → Enqueue endpoint publish jobs round-robin
//     → Delete publish job
//
//  3. CONSUMER (Background)
//     Receive endpoint publish job → One delivery task per subscriber
//     → On Success: done
//     → On Failure: next delay from the retry ladder
//     → Ladder exhausted: notify (and dead-letter when configured)
//     → Delete job once every subscriber is settled
//
// A job that is not deleted (crash, shutdown, queue failure) becomes
// visible again after the queue's visibility timeout and is redelivered,
// so delivery is at least once.
//
// # Database Schema
//
// Two tables, created via embedded migrations:
//
//	cns_topic          - Topics with their delivery policy
//	cns_subscription   - Subscriptions with protocol, endpoint and status
//
// Table prefix can be customized (default: "cns_").
package cns
