package process

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"mailpipe/internal/broker"
	"mailpipe/internal/config"
	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/internal/store"
	"mailpipe/pkg/logging"
	"mailpipe/pkg/metrics"
	"mailpipe/pkg/models"
)

// Store is the slice of the durable store the processor needs.
type Store interface {
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*store.Item, error)
	Enqueue(ctx context.Context, queue string, item *store.Item) error
	Ack(ctx context.Context, queue string, item *store.Item) error
	Requeue(ctx context.Context, queue string, item *store.Item) error
	Deadletter(ctx context.Context, queue string, item *store.Item, reason string) error
	IsProcessed(ctx context.Context, id string) (bool, error)
}

// JunkMover relocates rejected records at the source.
type JunkMover interface {
	MoveToJunk(ctx context.Context, id string) error
}

// Processor drains the inbound queue: each record is validated,
// filtered, transformed, and handed to the outbound queue. The inbound
// ack happens only after the outbound enqueue succeeds, so a crash in
// between redelivers rather than loses.
type Processor struct {
	store  Store
	filter *JunkFilter
	junk   JunkMover
	events broker.Publisher
	cfg    config.ProcessorConfig
	logger logger.Logger
}

func NewProcessor(st Store, filter *JunkFilter, junk JunkMover, events broker.Publisher, cfg config.ProcessorConfig, log logger.Logger) *Processor {
	return &Processor{
		store:  st,
		filter: filter,
		junk:   junk,
		events: events,
		cfg:    cfg,
		logger: log,
	}
}

// Run processes until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	return g.Wait()
}

func (p *Processor) worker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item, err := p.store.Dequeue(ctx, constants.InboundQueue, p.cfg.DequeueTimeout)
		if errors.Is(err, store.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.ErrorwCtx(ctx, "Inbound dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		p.handle(ctx, item)
	}
}

func (p *Processor) handle(ctx context.Context, item *store.Item) {
	ctx = logging.WithRecordID(ctx, item.ID)
	started := time.Now()

	record, body, err := decodeRecord(item.Payload)
	if err != nil {
		p.deadletter(ctx, item, constants.DeadLetterReasonTransform, err)
		metrics.RecordsProcessedTotal.WithLabelValues("invalid").Inc()
		return
	}

	// A redelivered record may already be past the outbound stage.
	processed, err := p.store.IsProcessed(ctx, record.RecordID)
	if err == nil && processed {
		p.ack(ctx, item)
		metrics.RecordsProcessedTotal.WithLabelValues("skipped").Inc()
		return
	}

	if junk, jerr := p.filter.IsJunk(ctx, &body.Message); jerr != nil {
		// A broken rule must not stall the pipeline; log and pass.
		p.logger.ErrorwCtx(ctx, "Junk rule evaluation failed", "error", jerr)
	} else if junk {
		p.reject(ctx, item, record)
		return
	}

	payload, err := transform(record, body)
	if err != nil {
		metrics.ObserveTransformDuration(time.Since(started), "error")
		metrics.RecordsProcessedTotal.WithLabelValues("invalid").Inc()
		p.deadletter(ctx, item, constants.DeadLetterReasonTransform, err)
		return
	}

	out, err := store.NewItem(payload.RecordID, payload)
	if err != nil {
		p.deadletter(ctx, item, constants.DeadLetterReasonTransform, err)
		return
	}

	err = p.store.Enqueue(ctx, constants.OutboundQueue, out)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		// A prior delivery attempt already staged this payload.
	case errors.Is(err, store.ErrQueueFull):
		metrics.RecordsProcessedTotal.WithLabelValues("deferred").Inc()
		if rerr := p.store.Requeue(ctx, constants.InboundQueue, item); rerr != nil {
			p.logger.ErrorwCtx(ctx, "Failed to requeue after outbound backpressure", "error", rerr)
		}
		return
	case err != nil:
		p.logger.ErrorwCtx(ctx, "Outbound enqueue failed", "error", err)
		if rerr := p.store.Requeue(ctx, constants.InboundQueue, item); rerr != nil {
			p.logger.ErrorwCtx(ctx, "Failed to requeue after enqueue error", "error", rerr)
		}
		return
	}

	p.ack(ctx, item)
	metrics.ObserveTransformDuration(time.Since(started), "ok")
	metrics.RecordsProcessedTotal.WithLabelValues("ok").Inc()
}

// reject moves a junk record out of the source inbox and drops it from
// the pipeline. Rejection is terminal and acked, never dead-lettered.
func (p *Processor) reject(ctx context.Context, item *store.Item, record *models.InputRecord) {
	if err := p.junk.MoveToJunk(ctx, record.RecordID); err != nil {
		p.logger.WarnwCtx(ctx, "Failed to move rejected record to junk", "error", err)
	}
	p.ack(ctx, item)
	metrics.RecordsProcessedTotal.WithLabelValues("rejected").Inc()
	p.logger.InfowCtx(ctx, "Record rejected by junk rule")
}

func (p *Processor) ack(ctx context.Context, item *store.Item) {
	if err := p.store.Ack(ctx, constants.InboundQueue, item); err != nil {
		p.logger.ErrorwCtx(ctx, "Inbound ack failed", "error", err)
	}
}

func (p *Processor) deadletter(ctx context.Context, item *store.Item, reason string, cause error) {
	p.logger.ErrorwCtx(ctx, "Dead-lettering inbound record",
		"reason", reason,
		"error", cause,
	)
	if err := p.store.Deadletter(ctx, constants.InboundQueue, item, reason); err != nil {
		p.logger.ErrorwCtx(ctx, "Dead-letter move failed", "error", err)
		return
	}
	if err := p.events.Publish(ctx, models.DeadLetterEvent{
		RecordID: item.ID,
		Queue:    constants.InboundQueue,
		Reason:   reason,
		At:       time.Now().UTC(),
	}); err != nil {
		p.logger.WarnwCtx(ctx, "Failed to publish dead-letter event", "error", err)
	}
}
