package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/internal/store"
	apperrors "mailpipe/pkg/errors"
	"mailpipe/pkg/health"
)

// Depths is the slice of the durable store the status surface reads.
type Depths interface {
	Depth(ctx context.Context, queue string) (int64, error)
	ProcessingDepth(ctx context.Context, queue string) (int64, error)
	DeadDepth(ctx context.Context, queue string) (int64, error)
	ProcessedCount(ctx context.Context) (int64, error)
	Counter(ctx context.Context, name string) (int64, error)
	DeadLetters(ctx context.Context, queue string, limit int64) ([]store.DeadLetter, error)
}

// Controller is the pipeline lifecycle the admin surface drives.
type Controller interface {
	Start() error
	Stop(ctx context.Context) error
	Running() bool
	LastError() error
}

// Handler exposes the operational control surface: status snapshot,
// pipeline start/stop, manual poll, health, and metrics.
type Handler struct {
	store      Depths
	controller Controller
	pollNow    func()
	subStatus  func() string
	checks     *health.CheckerRegistry
	logger     logger.Logger
}

func NewHandler(st Depths, controller Controller, pollNow func(), subStatus func() string, checks *health.CheckerRegistry, log logger.Logger) *Handler {
	return &Handler{
		store:      st,
		controller: controller,
		pollNow:    pollNow,
		subStatus:  subStatus,
		checks:     checks,
		logger:     log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/status", h.Status)
	router.POST("/pipeline/start", h.StartPipeline)
	router.POST("/pipeline/stop", h.StopPipeline)
	router.POST("/poll", h.PollNow)
	router.GET("/deadletters/:queue", h.ListDeadLetters)
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error",
		"error", err,
		"path", c.Request.URL.Path,
	)

	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Wrap(apperrors.ErrInternal, err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

type queueStatus struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

type statusResponse struct {
	Running        bool                   `json:"running"`
	LastError      string                 `json:"last_error,omitempty"`
	Subscription   string                 `json:"subscription"`
	ProcessedCount int64                  `json:"processed_count"`
	DeliveredTotal int64                  `json:"delivered_total"`
	Queues         map[string]queueStatus `json:"queues"`
}

func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	resp := statusResponse{
		Running:      h.controller.Running(),
		Subscription: h.subStatus(),
		Queues:       make(map[string]queueStatus),
	}
	if err := h.controller.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	if count, err := h.store.ProcessedCount(ctx); err == nil {
		resp.ProcessedCount = count
	}
	if delivered, err := h.store.Counter(ctx, constants.CounterDelivered); err == nil {
		resp.DeliveredTotal = delivered
	}

	for _, queue := range []string{constants.InboundQueue, constants.OutboundQueue} {
		var qs queueStatus
		qs.Ready, _ = h.store.Depth(ctx, queue)
		qs.Processing, _ = h.store.ProcessingDepth(ctx, queue)
		qs.Dead, _ = h.store.DeadDepth(ctx, queue)
		resp.Queues[queue] = qs
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) StartPipeline(c *gin.Context) {
	if err := h.controller.Start(); err != nil {
		h.handleError(c, apperrors.WithMessage(apperrors.ErrConflict, err.Error()))
		return
	}
	h.logger.Infow("Pipeline start requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "starting"})
}

func (h *Handler) StopPipeline(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := h.controller.Stop(ctx); err != nil {
		h.handleError(c, err)
		return
	}
	h.logger.Infow("Pipeline stop requested")
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *Handler) PollNow(c *gin.Context) {
	if !h.controller.Running() {
		h.handleError(c, apperrors.WithMessage(apperrors.ErrConflict, "pipeline not running"))
		return
	}
	h.pollNow()
	c.JSON(http.StatusAccepted, gin.H{"status": "poll triggered"})
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	queue := c.Param("queue")
	if queue != constants.InboundQueue && queue != constants.OutboundQueue {
		h.handleError(c, apperrors.WithMessage(apperrors.ErrNotFound, "unknown queue"))
		return
	}

	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 || parsed > 1000 {
			h.handleError(c, apperrors.WithMessage(apperrors.ErrValidation, "invalid limit"))
			return
		}
		limit = parsed
	}

	entries, err := h.store.DeadLetters(c.Request.Context(), queue, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "entries": entries})
}

func (h *Handler) Health(c *gin.Context) {
	result := h.checks.Check(c.Request.Context())
	status := http.StatusOK
	if result.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
