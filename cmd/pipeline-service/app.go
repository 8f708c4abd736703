package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mailpipe/internal/admin"
	"mailpipe/internal/broker"
	"mailpipe/internal/config"
	"mailpipe/internal/constants"
	"mailpipe/internal/ingest"
	"mailpipe/internal/logger"
	"mailpipe/internal/persist"
	"mailpipe/internal/pipeline"
	"mailpipe/internal/process"
	"mailpipe/internal/send"
	"mailpipe/internal/source"
	"mailpipe/internal/store"
	"mailpipe/pkg/circuitbreaker"
	"mailpipe/pkg/health"
	"mailpipe/pkg/metrics"
	"mailpipe/pkg/middleware"
	"mailpipe/pkg/ratelimit"
	"mailpipe/pkg/retry"
)

type App struct {
	config *config.Config
	logger logger.Logger

	redisClient *redis.Client
	store       *store.RedisStore
	events      broker.Publisher

	subs     *ingest.SubscriptionManager
	poller   *ingest.Poller
	receiver *ingest.WebhookReceiver

	pipe *pipeline.Pipeline

	webhookServer *http.Server
	adminServer   *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config: cfg,
		logger: log,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.RegisterPipelineMetrics()
	metrics.RegisterIngestMetrics()
	metrics.RegisterRateLimitMetrics()
	if a.config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initRedis(ctx); err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := a.initBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initPipeline(); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	a.initWebhookServer()
	a.initAdminServer()

	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", a.config.Database.Redis.Host, a.config.Database.Redis.Port),
		Password: a.config.Database.Redis.Password,
		DB:       a.config.Database.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	a.redisClient = client
	a.store = store.NewRedisStore(client, a.config.Queue, a.logger)
	return nil
}

func (a *App) initBroker() error {
	events, err := broker.NewPublisher(a.config.Broker, a.logger)
	if err != nil {
		return err
	}
	a.events = events
	return nil
}

func (a *App) retryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	if a.config.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = a.config.Retry.MaxAttempts
	}
	if a.config.Retry.InitialInterval > 0 {
		policy.InitialInterval = a.config.Retry.InitialInterval
	}
	if a.config.Retry.MaxInterval > 0 {
		policy.MaxInterval = a.config.Retry.MaxInterval
	}
	if a.config.Retry.Multiplier > 0 {
		policy.Multiplier = a.config.Retry.Multiplier
	}
	if a.config.Retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = a.config.Retry.MaxElapsedTime
	}
	return policy
}

func (a *App) newExecutor(identity string, limiter *ratelimit.Limiter) *retry.Executor {
	cfg := retry.ExecutorConfig{
		Identity: identity,
		Policy:   a.retryPolicy(),
		Limiter:  limiterWaiter{limiter},
		Logger:   a.logger,
	}

	if a.config.CircuitBreaker.Enabled {
		breakerCfg := circuitbreaker.DefaultConfig(identity, a.config.CircuitBreaker.ConsecutiveFailures)
		if a.config.CircuitBreaker.Interval > 0 {
			breakerCfg.Interval = a.config.CircuitBreaker.Interval
		}
		if a.config.CircuitBreaker.Timeout > 0 {
			breakerCfg.Timeout = a.config.CircuitBreaker.Timeout
		}
		cfg.Breaker = circuitbreaker.NewWrapper(breakerCfg)
	}

	return retry.NewExecutor(cfg)
}

// limiterWaiter adapts the redis limiter to the executor interface.
type limiterWaiter struct {
	limiter *ratelimit.Limiter
}

func (w limiterWaiter) Wait(ctx context.Context, identity string) error {
	if w.limiter == nil {
		return nil
	}
	return w.limiter.Wait(ctx, identity)
}

func (a *App) initPipeline() error {
	limiter := ratelimit.NewLimiter(a.redisClient, map[string]ratelimit.WindowConfig{
		constants.SourceAPIIdentity: {
			Limit:  a.config.Source.RateLimit.Limit,
			Window: a.config.Source.RateLimit.Window,
		},
		constants.DownstreamAPIIdentity: {
			Limit:  a.config.Downstream.RateLimit.Limit,
			Window: a.config.Downstream.RateLimit.Window,
		},
	})

	tokens := source.NewStaticTokenProvider(a.config.Source.Token)
	sourceClient := source.NewClient(
		a.config.Source.BaseURL,
		tokens,
		a.newExecutor(constants.SourceAPIIdentity, limiter),
		a.logger,
	)
	persistClient := persist.NewClient(
		a.config.Downstream.BaseURL,
		a.newExecutor(constants.DownstreamAPIIdentity, limiter),
		a.logger,
	)

	filter, err := process.NewJunkFilter(a.config.Processor.JunkRule)
	if err != nil {
		return fmt.Errorf("invalid junk rule: %w", err)
	}

	admitter := ingest.NewAdmitter(a.store, sourceClient, a.logger)
	a.subs = ingest.NewSubscriptionManager(sourceClient, a.store, a.config.Webhook, a.logger)
	a.receiver = ingest.NewWebhookReceiver(admitter, a.subs, a.config.Webhook, a.logger)
	pushHealthy := func() bool { return a.subs.Healthy() && a.receiver.Healthy() }
	a.poller = ingest.NewPoller(admitter, sourceClient, a.config.Poller, pushHealthy, a.logger)

	processor := process.NewProcessor(a.store, filter, sourceClient, a.events, a.config.Processor, a.logger)
	sender := send.NewSender(a.store, persistClient, a.events, a.config.Sender, a.logger)

	a.pipe = pipeline.New(a.logger,
		pipeline.Component{Name: "subscription", Run: a.subs.Run},
		pipeline.Component{Name: "webhook-fetch", Run: a.receiver.Run},
		pipeline.Component{Name: "poller", Run: a.poller.Run},
		pipeline.Component{Name: "processor", Run: processor.Run},
		pipeline.Component{Name: "sender", Run: sender.Run},
		pipeline.Component{Name: "lease-reaper", Run: func(ctx context.Context) error {
			a.store.StartLeaseReaper(ctx, constants.InboundQueue, constants.OutboundQueue)
			return ctx.Err()
		}},
		pipeline.Component{Name: "depth-metrics", Run: a.runDepthMetrics},
	)

	return nil
}

func (a *App) runDepthMetrics(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.store.UpdateDepthMetrics(ctx, constants.InboundQueue, constants.OutboundQueue)
		}
	}
}

func (a *App) initWebhookServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.Server.RateLimit.Enabled {
		rateLimitConfig := ratelimit.DefaultMiddlewareConfig()
		if a.config.Server.RateLimit.RPS > 0 {
			rateLimitConfig.RPS = a.config.Server.RateLimit.RPS
		}
		if a.config.Server.RateLimit.Burst > 0 {
			rateLimitConfig.Burst = a.config.Server.RateLimit.Burst
		}
		router.Use(ratelimit.Middleware(rateLimitConfig))
		a.logger.Infow("Rate limiting enabled",
			"rps", rateLimitConfig.RPS,
			"burst", rateLimitConfig.Burst,
		)
	}

	a.receiver.RegisterRoutes(router.Group("/webhook"))

	a.webhookServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
	}
}

func (a *App) initAdminServer() {
	checks := health.NewCheckerRegistry()
	checks.Register(health.NewRedisChecker(a.redisClient))
	checks.Register(health.NewSubscriptionChecker(a.subs.Status))

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	handler := admin.NewHandler(a.store, a.pipe, a.poller.TriggerNow, a.subs.Status, checks, a.logger)
	handler.RegisterRoutes(router)

	a.adminServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Admin.Port),
		Handler: router,
	}
}

func (a *App) Run(ctx context.Context) error {
	if err := a.pipe.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(ctx, "Webhook server starting", "port", a.config.Server.Port)
		if err := a.webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("webhook server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.InfowCtx(ctx, "Admin server starting", "port", a.config.Admin.Port)
		if err := a.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown()
	})

	return g.Wait()
}

func (a *App) Shutdown() error {
	a.logger.Infow("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.pipe.Stop(stopCtx); err != nil {
		a.logger.Errorw("Pipeline stop failed", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancelShutdown()
	if err := a.webhookServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Errorw("Webhook server shutdown failed", "error", err)
	}
	if err := a.adminServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Errorw("Admin server shutdown failed", "error", err)
	}

	if err := a.events.Close(); err != nil {
		a.logger.Errorw("Broker close failed", "error", err)
	}
	if err := a.redisClient.Close(); err != nil {
		a.logger.Errorw("Redis close failed", "error", err)
	}

	return nil
}
