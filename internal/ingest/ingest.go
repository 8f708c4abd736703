package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/internal/store"
	"mailpipe/pkg/logging"
	"mailpipe/pkg/metrics"
	"mailpipe/pkg/models"
)

// Queue is the slice of the durable store the ingestion adapters need.
type Queue interface {
	Enqueue(ctx context.Context, queue string, item *store.Item) error
	IsProcessed(ctx context.Context, id string) (bool, error)
}

// SourceAPI is the slice of the source client both adapters share.
type SourceAPI interface {
	ListUnread(ctx context.Context, pageSize int) ([]models.SourceMessage, error)
	GetMessage(ctx context.Context, id string) (*models.SourceMessage, error)
	GetRawContent(ctx context.Context, id string) (string, error)
	MarkRead(ctx context.Context, id string) error
}

// Admitter turns source messages into queued input records. Both the
// poller and the webhook receiver funnel through here, so admission
// rules (dedup, read-marking, backpressure) apply identically.
type Admitter struct {
	queue  Queue
	source SourceAPI
	logger logger.Logger
}

func NewAdmitter(queue Queue, source SourceAPI, log logger.Logger) *Admitter {
	return &Admitter{queue: queue, source: source, logger: log}
}

// Admit enqueues one message onto the inbound queue. Already-delivered
// and already-pending records are skipped silently; a full queue is
// surfaced so the caller can back off without losing the message.
func (a *Admitter) Admit(ctx context.Context, msg *models.SourceMessage, via models.RecordSource) error {
	ctx = logging.WithRecordID(ctx, msg.ID)

	processed, err := a.queue.IsProcessed(ctx, msg.ID)
	if err != nil {
		return err
	}
	if processed {
		metrics.RecordsSkippedTotal.WithLabelValues(string(via), "already_processed").Inc()
		a.logger.DebugwCtx(ctx, "Skipping already delivered record")
		// Still mark read so the next poll cycle stops seeing it.
		if err := a.source.MarkRead(ctx, msg.ID); err != nil {
			a.logger.WarnwCtx(ctx, "Failed to mark delivered record as read", "error", err)
		}
		return nil
	}

	raw, err := a.source.GetRawContent(ctx, msg.ID)
	if err != nil {
		a.logger.WarnwCtx(ctx, "Failed to fetch raw content, admitting without it", "error", err)
		raw = ""
	}

	record := models.InputRecord{
		RecordID:   msg.ID,
		Source:     via,
		ReceivedAt: time.Now().UTC(),
	}
	record.RawPayload, err = encodeSourcePayload(msg, raw)
	if err != nil {
		return err
	}

	item, err := store.NewItem(msg.ID, record)
	if err != nil {
		return err
	}

	err = a.queue.Enqueue(ctx, constants.InboundQueue, item)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		metrics.RecordsSkippedTotal.WithLabelValues(string(via), "duplicate").Inc()
		a.logger.DebugwCtx(ctx, "Record already pending, skipping")
		return nil
	case errors.Is(err, store.ErrQueueFull):
		metrics.RecordsSkippedTotal.WithLabelValues(string(via), "queue_full").Inc()
		return err
	case err != nil:
		return err
	}

	metrics.RecordsIngestedTotal.WithLabelValues(string(via)).Inc()
	a.logger.InfowCtx(ctx, "Record admitted", "via", string(via))

	if err := a.source.MarkRead(ctx, msg.ID); err != nil {
		// The processed set catches the resulting duplicate on the
		// next poll, so this is not fatal.
		a.logger.WarnwCtx(ctx, "Failed to mark record as read", "error", err)
	}

	return nil
}

func encodeSourcePayload(msg *models.SourceMessage, raw string) ([]byte, error) {
	return json.Marshal(models.RecordPayload{Message: *msg, Raw: raw})
}

// AdmitByID resolves the message first, used by the push path where
// notifications only carry the record id.
func (a *Admitter) AdmitByID(ctx context.Context, id string, via models.RecordSource) error {
	processed, err := a.queue.IsProcessed(ctx, id)
	if err != nil {
		return err
	}
	if processed {
		metrics.RecordsSkippedTotal.WithLabelValues(string(via), "already_processed").Inc()
		return nil
	}

	msg, err := a.source.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	return a.Admit(ctx, msg, via)
}
