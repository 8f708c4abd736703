package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Source         SourceConfig         `mapstructure:"source"`
	Downstream     DownstreamConfig     `mapstructure:"downstream"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	Poller         PollerConfig         `mapstructure:"poller"`
	Processor      ProcessorConfig      `mapstructure:"processor"`
	Sender         SenderConfig         `mapstructure:"sender"`
	Queue          QueueConfig          `mapstructure:"queue"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig is the webhook receive surface.
type ServerConfig struct {
	Port         int                       `mapstructure:"port"`
	ReadTimeout  time.Duration             `mapstructure:"read_timeout"`
	WriteTimeout time.Duration             `mapstructure:"write_timeout"`
	RateLimit    RateLimitMiddlewareConfig `mapstructure:"rate_limit"`
}

type RateLimitMiddlewareConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// AdminConfig is the control/status surface.
type AdminConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SourceConfig is the external record-source API.
type SourceConfig struct {
	BaseURL   string          `mapstructure:"base_url"`
	Token     string          `mapstructure:"token"`
	RateLimit APIWindowConfig `mapstructure:"rate_limit"`
}

// DownstreamConfig is the persistence API batches are submitted to.
type DownstreamConfig struct {
	BaseURL   string          `mapstructure:"base_url"`
	RateLimit APIWindowConfig `mapstructure:"rate_limit"`
}

type APIWindowConfig struct {
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type WebhookConfig struct {
	PublicURL           string        `mapstructure:"public_url"`
	Resource            string        `mapstructure:"resource"`
	ClientState         string        `mapstructure:"client_state"`
	Validity            time.Duration `mapstructure:"validity"`
	RenewalInterval     time.Duration `mapstructure:"renewal_interval"`
	RenewalSafetyMargin time.Duration `mapstructure:"renewal_safety_margin"`
	FetchWorkers        int           `mapstructure:"fetch_workers"`
	FetchBuffer         int           `mapstructure:"fetch_buffer"`
	MaxHandlerErrors    int           `mapstructure:"max_handler_errors"`
}

type PollerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval"`
	PageSize         int           `mapstructure:"page_size"`
}

type ProcessorConfig struct {
	Workers        int           `mapstructure:"workers"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
	JunkRule       string        `mapstructure:"junk_rule"`
}

type SenderConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
}

type QueueConfig struct {
	MaxDepth      int64         `mapstructure:"max_depth"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type CircuitBreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	DLQTopic string   `mapstructure:"dlq_topic"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
