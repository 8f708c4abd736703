package ingest

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"mailpipe/internal/config"
	"mailpipe/internal/logger"
	"mailpipe/pkg/logging"
	"mailpipe/pkg/metrics"
	"mailpipe/pkg/models"
)

// WebhookReceiver is the push ingestion adapter. It answers the
// provider's validation handshake, checks the client-state secret on
// every notification, and acknowledges fast: record fetching happens
// on a bounded worker pool, never on the request path.
type WebhookReceiver struct {
	admitter *Admitter
	subs     *SubscriptionManager
	cfg      config.WebhookConfig
	work     chan string
	failures atomic.Int64
	logger   logger.Logger
}

func NewWebhookReceiver(admitter *Admitter, subs *SubscriptionManager, cfg config.WebhookConfig, log logger.Logger) *WebhookReceiver {
	buffer := cfg.FetchBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &WebhookReceiver{
		admitter: admitter,
		subs:     subs,
		cfg:      cfg,
		work:     make(chan string, buffer),
		logger:   log,
	}
}

// RegisterRoutes mounts the notification endpoint.
func (r *WebhookReceiver) RegisterRoutes(router gin.IRoutes) {
	router.POST("/notifications", r.handleNotification)
	router.GET("/notifications", r.handleValidation)
}

// Run drains the fetch queue with the configured number of workers
// until ctx is done.
func (r *WebhookReceiver) Run(ctx context.Context) error {
	workers := r.cfg.FetchWorkers
	if workers <= 0 {
		workers = 4
	}

	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-r.work:
					r.fetch(ctx, id)
				}
			}
		}()
	}

	<-ctx.Done()
	for i := 0; i < workers; i++ {
		<-done
	}
	return ctx.Err()
}

func (r *WebhookReceiver) fetch(ctx context.Context, id string) {
	ctx = logging.WithRecordID(ctx, id)
	if err := r.admitter.AdmitByID(ctx, id, models.SourcePush); err != nil {
		if ctx.Err() != nil {
			return
		}
		// The record stays unread at the source, so the poller's next
		// sweep recovers it.
		r.failures.Add(1)
		r.logger.ErrorwCtx(ctx, "Failed to admit pushed record", "error", err)
		return
	}
	r.failures.Store(0)
}

// Healthy reports whether push delivery is keeping up. It goes false
// after max_handler_errors consecutive fetch failures, which tightens
// the poller cadence until a fetch succeeds again.
func (r *WebhookReceiver) Healthy() bool {
	threshold := int64(r.cfg.MaxHandlerErrors)
	if threshold <= 0 {
		threshold = 5
	}
	return r.failures.Load() < threshold
}

// handleValidation answers the provider's endpoint handshake: the
// validation token must be echoed back as plain text.
func (r *WebhookReceiver) handleValidation(c *gin.Context) {
	token := c.Query("validationToken")
	if token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	c.String(http.StatusOK, "%s", token)
}

func (r *WebhookReceiver) handleNotification(c *gin.Context) {
	// Validation can arrive on POST as well.
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, "%s", token)
		return
	}

	var notification models.Notification
	if err := c.ShouldBindJSON(&notification); err != nil {
		metrics.WebhookNotificationsTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification body"})
		return
	}

	accepted := 0
	for _, item := range notification.Value {
		if !r.subs.ValidateClientState(item.ClientState) {
			metrics.WebhookNotificationsTotal.WithLabelValues("rejected").Inc()
			r.logger.Warnw("Dropping notification with bad client state",
				"subscription_id", item.SubscriptionID,
			)
			continue
		}
		if item.ResourceData.ID == "" {
			metrics.WebhookNotificationsTotal.WithLabelValues("malformed").Inc()
			continue
		}

		select {
		case r.work <- item.ResourceData.ID:
			accepted++
			metrics.WebhookNotificationsTotal.WithLabelValues("accepted").Inc()
		default:
			// Fetch queue saturated; the poller sweeps the record up
			// later since it is still unread.
			metrics.WebhookNotificationsTotal.WithLabelValues("overflow").Inc()
			r.logger.Warnw("Fetch queue full, deferring record to poll sweep",
				"record_id", item.ResourceData.ID,
			)
		}
	}

	// Always acknowledge so the provider does not disable the
	// subscription over transient local trouble.
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}
