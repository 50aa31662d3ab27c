// Package config provides configuration management for the CNS server.
//
// Settings come from the environment, optionally seeded from a .env file in
// the working directory. Variables already set in the environment win over
// the .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the CNS server.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Queues   QueueConfig
	Engine   EngineConfig
	AWS      AWSConfig
	Redis    RedisConfig
	SMTP     SMTPConfig
	HTTP     HTTPConfig
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Host            string        `envconfig:"CNS_SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"CNS_SERVER_PORT" default:"8080" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `envconfig:"CNS_SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`
	Region          string        `envconfig:"CNS_REGION" default:"local" validate:"required"`
	ServiceURL      string        `envconfig:"CNS_SERVICE_URL" default:"http://localhost:8080" validate:"required,url"`
	SigningKey      string        `envconfig:"CNS_SIGNING_KEY" validate:"required,min=16"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `envconfig:"CNS_LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format string `envconfig:"CNS_LOG_FORMAT" default:"json" validate:"oneof=json console"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver      string `envconfig:"DB_DRIVER" default:"sqlite3" validate:"oneof=mysql postgres sqlite3"`
	Host        string `envconfig:"DB_HOST" default:"localhost"`
	Port        int    `envconfig:"DB_PORT" default:"3306"`
	User        string `envconfig:"DB_USER" default:"cns"`
	Password    string `envconfig:"DB_PASSWORD"`
	Name        string `envconfig:"DB_NAME" default:"cns.db" validate:"required"`
	Prefix      string `envconfig:"DB_PREFIX" default:"cns_"`
	AutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

// DSN returns the database connection string based on driver.
func (c DatabaseConfig) DSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Name)
	case "sqlite3":
		return c.Name
	default:
		return ""
	}
}

// QueueConfig names the publish and endpoint publish queues. Queue i of a
// kind is called <prefix>-<i>.
type QueueConfig struct {
	Backend                    string        `envconfig:"CNS_QUEUE_BACKEND" default:"memory" validate:"oneof=memory sqs"`
	PublishQueuePrefix         string        `envconfig:"CNS_PUBLISH_QUEUE_PREFIX" default:"cns-publish" validate:"required"`
	EndpointPublishQueuePrefix string        `envconfig:"CNS_ENDPOINT_PUBLISH_QUEUE_PREFIX" default:"cns-endpoint-publish" validate:"required"`
	PublishShards              int           `envconfig:"CNS_PUBLISH_QUEUE_SHARDS" default:"1" validate:"min=1,max=100"`
	EndpointPublishShards      int           `envconfig:"CNS_ENDPOINT_PUBLISH_QUEUE_SHARDS" default:"2" validate:"min=1,max=100"`
	VisibilityTimeout          time.Duration `envconfig:"CNS_VISIBILITY_TIMEOUT" default:"30s" validate:"gt=0"`

	// DeadLetterQueue names the queue exhausted deliveries are parked on.
	// Empty disables dead-lettering.
	DeadLetterQueue string `envconfig:"CNS_DEAD_LETTER_QUEUE"`
}

// PublishQueueName returns the name of publish queue shard i.
func (q QueueConfig) PublishQueueName(i int) string {
	return fmt.Sprintf("%s-%d", q.PublishQueuePrefix, i)
}

// EndpointPublishQueueName returns the name of endpoint publish queue shard i.
func (q QueueConfig) EndpointPublishQueueName(i int) string {
	return fmt.Sprintf("%s-%d", q.EndpointPublishQueuePrefix, i)
}

// EngineConfig tunes the producer and consumer loops.
type EngineConfig struct {
	MaxSubscriptionsPerJob     int           `envconfig:"CNS_MAX_SUBSCRIPTIONS_PER_JOB" default:"100" validate:"min=1"`
	EndpointPublishConcurrency int           `envconfig:"CNS_ENDPOINT_PUBLISH_CONCURRENCY" default:"16" validate:"min=1"`
	ProducerInterval           time.Duration `envconfig:"CNS_PRODUCER_INTERVAL" default:"100ms" validate:"gt=0"`
	ConsumerInterval           time.Duration `envconfig:"CNS_CONSUMER_INTERVAL" default:"100ms" validate:"gt=0"`
	AttemptTimeout             time.Duration `envconfig:"CNS_ATTEMPT_TIMEOUT" default:"15s" validate:"gt=0"`
	HeartbeatInterval          time.Duration `envconfig:"CNS_VISIBILITY_HEARTBEAT" default:"0s"`
	BadEndpointWindow          time.Duration `envconfig:"CNS_BAD_ENDPOINT_WINDOW" default:"5m" validate:"gt=0"`
	EnableNotifications        bool          `envconfig:"CNS_ENABLE_NOTIFICATIONS" default:"true"`
}

// AWSConfig holds SQS client settings.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// EndpointURL points the SQS client at a local emulator.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// RedisConfig enables redis deliveries when Addr is set.
type RedisConfig struct {
	Addr             string `envconfig:"CNS_REDIS_ADDR"`
	Password         string `envconfig:"CNS_REDIS_PASSWORD"`
	DB               int    `envconfig:"CNS_REDIS_DB" default:"0" validate:"min=0"`
	RequireReceivers bool   `envconfig:"CNS_REDIS_REQUIRE_RECEIVERS" default:"false"`
}

// SMTPConfig enables email deliveries when Host is set.
type SMTPConfig struct {
	Host     string `envconfig:"CNS_SMTP_HOST"`
	Port     int    `envconfig:"CNS_SMTP_PORT" default:"587" validate:"min=1,max=65535"`
	Username string `envconfig:"CNS_SMTP_USERNAME"`
	Password string `envconfig:"CNS_SMTP_PASSWORD"`
	From     string `envconfig:"CNS_SMTP_FROM" default:"no-reply@cns.local" validate:"omitempty,email"`
}

// HTTPConfig holds settings of http and https deliveries.
type HTTPConfig struct {
	UserAgent string        `envconfig:"CNS_HTTP_USER_AGENT" default:"cns-agent/1.0"`
	Timeout   time.Duration `envconfig:"CNS_HTTP_TIMEOUT" default:"10s" validate:"gt=0"`
}

// Load loads configuration from the environment and validates it.
func Load() (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()
	return process()
}

func process() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to process environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	if cfg.Engine.HeartbeatInterval < 0 || (cfg.Engine.HeartbeatInterval > 0 && cfg.Engine.HeartbeatInterval >= cfg.Queues.VisibilityTimeout) {
		return nil, fmt.Errorf("config: CNS_VISIBILITY_HEARTBEAT must be shorter than CNS_VISIBILITY_TIMEOUT")
	}
	return &cfg, nil
}
