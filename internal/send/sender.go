package send

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"mailpipe/internal/broker"
	"mailpipe/internal/config"
	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/internal/store"
	"mailpipe/pkg/logging"
	"mailpipe/pkg/metrics"
	"mailpipe/pkg/models"
	"mailpipe/pkg/retry"
)

// Store is the slice of the durable store the sender needs.
type Store interface {
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*store.Item, error)
	Ack(ctx context.Context, queue string, item *store.Item) error
	Requeue(ctx context.Context, queue string, item *store.Item) error
	Deadletter(ctx context.Context, queue string, item *store.Item, reason string) error
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, ids ...string) error
	IncrCounter(ctx context.Context, name string, delta int64) error
}

// Submitter delivers one batch downstream.
type Submitter interface {
	SubmitBatch(ctx context.Context, payloads []models.OutputPayload) (*models.SubmitResult, error)
}

type buffered struct {
	item    *store.Item
	payload models.OutputPayload
}

// Sender drains the outbound queue into downstream batches. A batch
// flushes when it reaches the size bound or when the oldest buffered
// payload has waited MaxWait. Records enter the processed set only
// after the downstream API confirms them.
type Sender struct {
	store  Store
	client Submitter
	events broker.Publisher
	cfg    config.SenderConfig
	logger logger.Logger

	buffer []buffered
	oldest time.Time
}

func NewSender(st Store, client Submitter, events broker.Publisher, cfg config.SenderConfig, log logger.Logger) *Sender {
	return &Sender{
		store:  st,
		client: client,
		events: events,
		cfg:    cfg,
		logger: log,
	}
}

// Run accumulates and flushes until ctx is done, then flushes whatever
// is still buffered so a clean shutdown leaves nothing stranded on a
// lease.
func (s *Sender) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			break
		}

		timeout := s.dequeueTimeout()
		item, err := s.store.Dequeue(ctx, constants.OutboundQueue, timeout)
		if err != nil && !errors.Is(err, store.ErrEmpty) {
			if ctx.Err() != nil {
				break
			}
			s.logger.ErrorwCtx(ctx, "Outbound dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if item != nil {
			var payload models.OutputPayload
			if derr := json.Unmarshal(item.Payload, &payload); derr != nil || payload.RecordID == "" {
				s.logger.ErrorwCtx(ctx, "Dead-lettering undecodable outbound item",
					"record_id", item.ID,
					"error", derr,
				)
				s.deadletterOne(ctx, item, constants.DeadLetterReasonTransform)
				continue
			}
			// A lease-redelivered item may already be confirmed
			// downstream: crash between mark and ack. Never submit it
			// twice.
			if processed, perr := s.store.IsProcessed(ctx, payload.RecordID); perr == nil && processed {
				if aerr := s.store.Ack(ctx, constants.OutboundQueue, item); aerr != nil {
					s.logger.ErrorwCtx(ctx, "Outbound ack failed",
						"record_id", payload.RecordID,
						"error", aerr,
					)
				}
				metrics.RecordsSkippedTotal.WithLabelValues("sender", "already_processed").Inc()
				continue
			}
			if len(s.buffer) == 0 {
				s.oldest = time.Now()
			}
			s.buffer = append(s.buffer, buffered{item: item, payload: payload})
		}

		if s.shouldFlush() {
			s.flush(ctx)
		}
	}

	if len(s.buffer) > 0 {
		flushCtx, cancel := context.WithTimeout(context.Background(), constants.SubmitHTTPTimeout)
		s.flush(flushCtx)
		cancel()
	}
	return ctx.Err()
}

// dequeueTimeout bounds the blocking wait so a partially filled batch
// still flushes on time.
func (s *Sender) dequeueTimeout() time.Duration {
	if len(s.buffer) == 0 {
		return s.cfg.DequeueTimeout
	}
	remaining := s.cfg.MaxWait - time.Since(s.oldest)
	if remaining < 50*time.Millisecond {
		remaining = 50 * time.Millisecond
	}
	if remaining > s.cfg.DequeueTimeout {
		return s.cfg.DequeueTimeout
	}
	return remaining
}

func newBatchID() string {
	return uuid.NewString()
}

func (s *Sender) shouldFlush() bool {
	if len(s.buffer) == 0 {
		return false
	}
	if len(s.buffer) >= s.cfg.BatchSize {
		return true
	}
	return time.Since(s.oldest) >= s.cfg.MaxWait
}

func (s *Sender) flush(ctx context.Context) {
	batch := s.buffer
	s.buffer = nil

	ctx = logging.WithBatchID(ctx, newBatchID())
	payloads := make([]models.OutputPayload, len(batch))
	for i, b := range batch {
		payloads[i] = b.payload
	}

	started := time.Now()
	result, err := s.client.SubmitBatch(ctx, payloads)
	if err != nil {
		s.handleFailure(ctx, batch, err)
		metrics.ObserveBatchSendDuration(time.Since(started), "error")
		metrics.BatchesSentTotal.WithLabelValues("error").Inc()
		return
	}

	metrics.ObserveBatchSendDuration(time.Since(started), "ok")
	metrics.BatchesSentTotal.WithLabelValues("ok").Inc()

	s.settle(ctx, batch, result)
}

// settle acks confirmed payloads and dead-letters individually failed
// ones when the API reports per-item results.
func (s *Sender) settle(ctx context.Context, batch []buffered, result *models.SubmitResult) {
	failed := make(map[string]models.ItemResult)
	for _, r := range result.Results {
		if r.Failed() {
			failed[r.ID] = r
		}
	}

	delivered := make([]string, 0, len(batch))
	for _, b := range batch {
		if r, ok := failed[b.payload.RecordID]; ok {
			s.logger.WarnwCtx(ctx, "Downstream rejected item",
				"record_id", b.payload.RecordID,
				"status", r.Status,
				"error", r.Error,
			)
			s.deadletterOne(ctx, b.item, constants.DeadLetterReasonItemFailure)
			continue
		}
		delivered = append(delivered, b.payload.RecordID)
	}

	if len(delivered) > 0 {
		if err := s.store.MarkProcessed(ctx, delivered...); err != nil {
			// Items stay leased and will be resubmitted; the
			// downstream API has to tolerate the duplicate.
			s.logger.ErrorwCtx(ctx, "Failed to mark batch processed", "error", err)
			return
		}
	}

	for _, b := range batch {
		if _, ok := failed[b.payload.RecordID]; ok {
			continue
		}
		if err := s.store.Ack(ctx, constants.OutboundQueue, b.item); err != nil {
			s.logger.ErrorwCtx(ctx, "Outbound ack failed",
				"record_id", b.payload.RecordID,
				"error", err,
			)
		}
	}

	metrics.PayloadsDeliveredTotal.Add(float64(len(delivered)))
	if len(delivered) > 0 {
		// Survives restarts, unlike the Prometheus counter.
		if err := s.store.IncrCounter(ctx, constants.CounterDelivered, int64(len(delivered))); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to bump delivered counter", "error", err)
		}
	}
	s.logger.InfowCtx(ctx, "Batch delivered",
		"size", len(batch),
		"delivered", len(delivered),
		"failed", len(failed),
	)
}

// handleFailure classifies a terminal submission error: exhausted
// retries and permanent rejections dead-letter the batch, everything
// else requeues it for a later attempt.
func (s *Sender) handleFailure(ctx context.Context, batch []buffered, err error) {
	var statusErr *retry.StatusError
	permanent := errors.As(err, &statusErr) && !statusErr.Retryable()

	switch {
	case permanent:
		s.logger.ErrorwCtx(ctx, "Downstream rejected batch permanently",
			"size", len(batch),
			"error", err,
		)
		s.deadletterBatch(ctx, batch, constants.DeadLetterReasonRejected)
	case retry.Exhausted(err):
		s.logger.ErrorwCtx(ctx, "Batch submission retries exhausted",
			"size", len(batch),
			"error", err,
		)
		s.deadletterBatch(ctx, batch, constants.DeadLetterReasonExhausted)
	default:
		// Shutdown or transient infrastructure failure; hand the
		// batch back for redelivery.
		for _, b := range batch {
			if rerr := s.store.Requeue(ctx, constants.OutboundQueue, b.item); rerr != nil {
				s.logger.ErrorwCtx(ctx, "Failed to requeue after batch failure",
					"record_id", b.payload.RecordID,
					"error", rerr,
				)
			}
		}
	}
}

func (s *Sender) deadletterBatch(ctx context.Context, batch []buffered, reason string) {
	for _, b := range batch {
		s.deadletterOne(ctx, b.item, reason)
	}
}

func (s *Sender) deadletterOne(ctx context.Context, item *store.Item, reason string) {
	if err := s.store.Deadletter(ctx, constants.OutboundQueue, item, reason); err != nil {
		s.logger.ErrorwCtx(ctx, "Dead-letter move failed",
			"record_id", item.ID,
			"error", err,
		)
		return
	}
	if err := s.events.Publish(ctx, models.DeadLetterEvent{
		RecordID: item.ID,
		Queue:    constants.OutboundQueue,
		Reason:   reason,
		At:       time.Now().UTC(),
	}); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to publish dead-letter event", "error", err)
	}
}
