// Package main provides the CNS server executable: the REST API, the
// publish job producers and the endpoint publish job consumers.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/coregx/cns"
	"github.com/coregx/cns/adapters/memory"
	"github.com/coregx/cns/adapters/relica"
	sqsqueue "github.com/coregx/cns/adapters/sqs"
	"github.com/coregx/cns/cmd/cns-server/internal/api"
	"github.com/coregx/cns/cmd/cns-server/internal/config"
	"github.com/coregx/cns/cmd/cns-server/internal/logging"
	"github.com/coregx/cns/endpoint"
	"github.com/coregx/cns/model"
	"github.com/coregx/cns/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorf("Server terminated: %v", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.ZerologLogger) error {
	logger.Infof("Starting CNS server: addr=%s, db=%s, queues=%s, publish shards=%d, endpoint shards=%d",
		cfg.Server.Addr(), cfg.Database.Driver, cfg.Queues.Backend, cfg.Queues.PublishShards, cfg.Queues.EndpointPublishShards)

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warnf("Failed to close database: %v", closeErr)
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := cns.Migrate(ctx, db, cfg.Database.Driver); err != nil {
			return err
		}
	}
	repos := relica.NewRepositoriesWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	publishQueues, endpointQueues, err := openQueues(ctx, cfg, sqsClient)
	if err != nil {
		return err
	}

	registry, err := newRegistry(cfg, sqsClient)
	if err != nil {
		return err
	}
	logger.Infof("Delivery protocols: %v", registry.Protocols())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	var notifications cns.NotificationService = &cns.NoOpNotificationService{}
	if cfg.Engine.EnableNotifications {
		notifications = cns.NewLoggingNotificationService(logger)
	}

	var deadLetters *cns.DeadLetterQueue
	if cfg.Queues.DeadLetterQueue != "" {
		q, err := openQueue(ctx, cfg, sqsClient, cfg.Queues.DeadLetterQueue)
		if err != nil {
			return err
		}
		deadLetters, err = cns.NewDeadLetterQueue(q, notifications, logger)
		if err != nil {
			return err
		}
		notifications = deadLetters
		logger.Infof("Dead-lettering exhausted deliveries to %s", cfg.Queues.DeadLetterQueue)
	}

	monitor, err := cns.NewBadEndpointMonitor(cns.WithMonitorWindow(cfg.Engine.BadEndpointWindow))
	if err != nil {
		return err
	}
	signer := model.NewSigner([]byte(cfg.Server.SigningKey), cfg.Server.ServiceURL)

	publishers := make([]*cns.Publisher, len(publishQueues))
	producers := make([]*cns.Producer, len(publishQueues))
	for i, q := range publishQueues {
		publishers[i], err = cns.NewPublisher(
			cns.WithPublishQueue(q),
			cns.WithPublisherTopics(repos.Topic),
			cns.WithPublisherLogger(logger),
		)
		if err != nil {
			return err
		}
		producers[i], err = cns.NewProducer(
			cns.WithProducerQueues(q, endpointQueues...),
			cns.WithSubscriptionLister(repos.Subscription),
			cns.WithProducerLogger(logger),
			cns.WithProducerMetrics(metrics),
			cns.WithMaxSubscriptionsPerJob(cfg.Engine.MaxSubscriptionsPerJob),
		)
		if err != nil {
			return err
		}
	}

	consumers := make([]*cns.Consumer, len(endpointQueues))
	for i, q := range endpointQueues {
		opts := []cns.ConsumerOption{
			cns.WithConsumerQueue(q),
			cns.WithDeliveryPolicyStore(repos.PolicyStore()),
			cns.WithPublishers(registry),
			cns.WithMonitor(monitor),
			cns.WithSigner(signer),
			cns.WithConsumerLogger(logger),
			cns.WithConsumerMetrics(metrics),
			cns.WithConsumerNotifications(notifications),
			cns.WithConcurrencyLimit(cfg.Engine.EndpointPublishConcurrency),
			cns.WithAttemptTimeout(cfg.Engine.AttemptTimeout),
		}
		if cfg.Engine.HeartbeatInterval > 0 {
			opts = append(opts, cns.WithVisibilityHeartbeat(cfg.Engine.HeartbeatInterval, cfg.Queues.VisibilityTimeout))
		}
		consumers[i], err = cns.NewConsumer(opts...)
		if err != nil {
			return err
		}
	}

	topicManager, err := cns.NewTopicManager(
		cns.WithTopicManagerRepositories(repos.Topic, repos.Subscription),
		cns.WithTopicManagerLogger(logger),
		cns.WithRegion(cfg.Server.Region),
	)
	if err != nil {
		return err
	}
	subscriptionManager, err := cns.NewSubscriptionManager(
		cns.WithSubscriptionManagerRepositories(repos.Subscription, repos.Topic),
		cns.WithSubscriptionManagerLogger(logger),
		cns.WithSubscriptionManagerNotifications(notifications),
	)
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(publishers, topicManager, subscriptionManager, monitor, logger)
	if err != nil {
		return err
	}
	if deadLetters != nil {
		if err := handler.EnableDeadLetterRedrive(deadLetters, endpointQueues); err != nil {
			return err
		}
	}
	router := handler.Routes(loggingMiddleware(logger))
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range producers {
		g.Go(func() error {
			p.Run(gctx, cfg.Engine.ProducerInterval)
			return nil
		})
	}
	for _, c := range consumers {
		g.Go(func() error {
			c.Run(gctx, cfg.Engine.ConsumerInterval)
			c.Wait()
			return nil
		})
	}
	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openQueue opens one named queue on the configured backend.
func openQueue(ctx context.Context, cfg *config.Config, client sqsqueue.API, name string) (cns.WorkQueue, error) {
	if cfg.Queues.Backend == "sqs" {
		return sqsqueue.ResolveQueue(ctx, client, name)
	}
	return memory.NewQueue(memory.WithVisibilityTimeout(cfg.Queues.VisibilityTimeout)), nil
}

// openQueues returns the publish and endpoint publish queue shards.
func openQueues(ctx context.Context, cfg *config.Config, client sqsqueue.API) (publish, endpoints []cns.WorkQueue, err error) {
	open := func(name string) (cns.WorkQueue, error) {
		return openQueue(ctx, cfg, client, name)
	}

	for i := 0; i < cfg.Queues.PublishShards; i++ {
		q, err := open(cfg.Queues.PublishQueueName(i))
		if err != nil {
			return nil, nil, err
		}
		publish = append(publish, q)
	}
	for i := 0; i < cfg.Queues.EndpointPublishShards; i++ {
		q, err := open(cfg.Queues.EndpointPublishQueueName(i))
		if err != nil {
			return nil, nil, err
		}
		endpoints = append(endpoints, q)
	}
	return publish, endpoints, nil
}

// newRegistry registers a publisher for every configured protocol. Email
// and redis deliveries are only available when their servers are set.
func newRegistry(cfg *config.Config, sqsClient endpoint.SQSSender) (*endpoint.Registry, error) {
	registry := endpoint.NewRegistry()

	httpTransport := endpoint.NewHTTPTransport(
		endpoint.WithHTTPClient(&http.Client{Timeout: cfg.HTTP.Timeout}),
		endpoint.WithUserAgent(cfg.HTTP.UserAgent),
	)
	registry.Register(model.ProtocolHTTP, httpTransport.Factory())
	registry.Register(model.ProtocolHTTPS, httpTransport.Factory())
	registry.Register(model.ProtocolCQS, endpoint.QueueFactory(sqsClient))

	if cfg.SMTP.Host != "" {
		mail, err := endpoint.NewEmailTransport(endpoint.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(model.ProtocolEmail, mail.Factory(false))
		registry.Register(model.ProtocolEmailJSON, mail.Factory(true))
	}

	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		registry.Register(model.ProtocolRedis, endpoint.RedisFactory(client, cfg.Redis.RequireReceivers))
	}

	return registry, nil
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(logger cns.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debugf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
		})
	}
}
