package ingest

import (
	"context"
	"errors"
	"time"

	"mailpipe/internal/config"
	"mailpipe/internal/logger"
	"mailpipe/internal/store"
	"mailpipe/pkg/metrics"
	"mailpipe/pkg/models"
)

// Poller sweeps the source inbox on a fixed cadence. It is both the
// catch-up path for records that predate the push subscription and the
// safety net when push delivery degrades: while the subscription is
// unhealthy the poller tightens to its fallback interval.
type Poller struct {
	admitter *Admitter
	source   SourceAPI
	cfg      config.PollerConfig
	health   func() bool
	trigger  chan struct{}
	logger   logger.Logger
}

// NewPoller builds a poller. pushHealthy reports whether the push
// subscription is currently active; nil means no push source exists.
func NewPoller(admitter *Admitter, source SourceAPI, cfg config.PollerConfig, pushHealthy func() bool, log logger.Logger) *Poller {
	return &Poller{
		admitter: admitter,
		source:   source,
		cfg:      cfg,
		health:   pushHealthy,
		trigger:  make(chan struct{}, 1),
		logger:   log,
	}
}

// TriggerNow requests an immediate sweep without waiting for the next
// tick. Non-blocking; a sweep already queued absorbs the request.
func (p *Poller) TriggerNow() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. One sweep runs immediately on start so
// a restart drains anything that accumulated while down.
func (p *Poller) Run(ctx context.Context) error {
	p.sweep(ctx, "startup")

	timer := time.NewTimer(p.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			p.sweep(ctx, "interval")
		case <-p.trigger:
			p.sweep(ctx, "manual")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(p.interval())
	}
}

func (p *Poller) interval() time.Duration {
	if p.health != nil && !p.health() && p.cfg.FallbackInterval > 0 {
		return p.cfg.FallbackInterval
	}
	return p.cfg.Interval
}

func (p *Poller) sweep(ctx context.Context, trigger string) {
	metrics.PollCyclesTotal.WithLabelValues(trigger).Inc()

	messages, err := p.source.ListUnread(ctx, p.cfg.PageSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.ErrorwCtx(ctx, "Poll sweep failed", "error", err, "trigger", trigger)
		return
	}

	if len(messages) == 0 {
		return
	}
	p.logger.InfowCtx(ctx, "Poll sweep found records", "count", len(messages), "trigger", trigger)

	for i := range messages {
		if ctx.Err() != nil {
			return
		}
		err := p.admitter.Admit(ctx, &messages[i], models.SourcePoll)
		if errors.Is(err, store.ErrQueueFull) {
			// Stop the sweep; the rest stays unread and the next
			// cycle picks it up once the queue drains.
			p.logger.WarnwCtx(ctx, "Inbound queue full, stopping sweep",
				"remaining", len(messages)-i,
			)
			return
		}
		if err != nil {
			p.logger.ErrorwCtx(ctx, "Failed to admit record",
				"record_id", messages[i].ID,
				"error", err,
			)
		}
	}
}
