package config

import (
	"fmt"
	"time"

	"mailpipe/internal/constants"
)

// ApplyDefaults fills every tunable that can safely default; only
// endpoints and secrets are left for ValidateStatic to insist on.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8100
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.RateLimit.RPS == 0 {
		cfg.Server.RateLimit.RPS = 50
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 100
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.Database.Redis.Host == "" {
		cfg.Database.Redis.Host = "localhost"
	}
	if cfg.Database.Redis.Port == 0 {
		cfg.Database.Redis.Port = 6379
	}

	if cfg.Source.RateLimit.Limit == 0 {
		cfg.Source.RateLimit.Limit = 100
	}
	if cfg.Source.RateLimit.Window == 0 {
		cfg.Source.RateLimit.Window = time.Minute
	}
	if cfg.Downstream.RateLimit.Limit == 0 {
		cfg.Downstream.RateLimit.Limit = 60
	}
	if cfg.Downstream.RateLimit.Window == 0 {
		cfg.Downstream.RateLimit.Window = time.Minute
	}

	if cfg.Webhook.Resource == "" {
		cfg.Webhook.Resource = "me/mailfolders('inbox')/messages"
	}
	if cfg.Webhook.Validity == 0 {
		cfg.Webhook.Validity = 72 * time.Hour
	}
	if cfg.Webhook.RenewalInterval == 0 {
		cfg.Webhook.RenewalInterval = 5 * time.Minute
	}
	if cfg.Webhook.RenewalSafetyMargin == 0 {
		cfg.Webhook.RenewalSafetyMargin = time.Hour
	}
	if cfg.Webhook.FetchWorkers == 0 {
		cfg.Webhook.FetchWorkers = 4
	}
	if cfg.Webhook.FetchBuffer == 0 {
		cfg.Webhook.FetchBuffer = 256
	}
	if cfg.Webhook.MaxHandlerErrors == 0 {
		cfg.Webhook.MaxHandlerErrors = 5
	}

	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = 5 * time.Minute
	}
	if cfg.Poller.FallbackInterval == 0 {
		cfg.Poller.FallbackInterval = time.Minute
	}
	if cfg.Poller.PageSize == 0 {
		cfg.Poller.PageSize = 50
	}

	if cfg.Processor.Workers == 0 {
		cfg.Processor.Workers = 20
	}
	if cfg.Processor.DequeueTimeout == 0 {
		cfg.Processor.DequeueTimeout = 2 * time.Second
	}

	if cfg.Sender.BatchSize == 0 {
		cfg.Sender.BatchSize = 50
	}
	if cfg.Sender.MaxWait == 0 {
		cfg.Sender.MaxWait = 2 * time.Second
	}
	if cfg.Sender.DequeueTimeout == 0 {
		cfg.Sender.DequeueTimeout = 2 * time.Second
	}

	if cfg.Queue.MaxDepth == 0 {
		cfg.Queue.MaxDepth = 100000
	}
	if cfg.Queue.LeaseDuration == 0 {
		cfg.Queue.LeaseDuration = constants.DefaultLeaseDuration
	}
	if cfg.Queue.MaxDeliveries == 0 {
		cfg.Queue.MaxDeliveries = constants.DefaultMaxDeliveries
	}
	if cfg.Queue.ReapInterval == 0 {
		cfg.Queue.ReapInterval = constants.DefaultReapInterval
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = time.Second
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}

	if cfg.CircuitBreaker.ConsecutiveFailures == 0 {
		cfg.CircuitBreaker.ConsecutiveFailures = 5
	}
	if cfg.CircuitBreaker.Interval == 0 {
		cfg.CircuitBreaker.Interval = time.Minute
	}
	if cfg.CircuitBreaker.Timeout == 0 {
		cfg.CircuitBreaker.Timeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func ValidateStatic(cfg *Config) error {
	if cfg.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if cfg.Downstream.BaseURL == "" {
		return fmt.Errorf("downstream.base_url is required")
	}
	if cfg.Webhook.PublicURL == "" {
		return fmt.Errorf("webhook.public_url is required")
	}
	if cfg.Webhook.ClientState == "" {
		return fmt.Errorf("webhook.client_state is required")
	}
	if cfg.Webhook.RenewalSafetyMargin >= cfg.Webhook.Validity {
		return fmt.Errorf("webhook.renewal_safety_margin must be smaller than webhook.validity")
	}
	if cfg.Sender.BatchSize < 1 {
		return fmt.Errorf("sender.batch_size must be positive")
	}
	if cfg.Processor.Workers < 1 {
		return fmt.Errorf("processor.workers must be positive")
	}
	if cfg.Queue.MaxDeliveries < 1 {
		return fmt.Errorf("queue.max_deliveries must be positive")
	}
	if cfg.Broker.Type != "" && cfg.Broker.Type != "kafka" {
		return fmt.Errorf("broker.type %q is not supported", cfg.Broker.Type)
	}
	if cfg.Broker.Type == "kafka" && len(cfg.Broker.Kafka.Brokers) == 0 {
		return fmt.Errorf("broker.kafka.brokers is required when broker.type is kafka")
	}
	return nil
}
