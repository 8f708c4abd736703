package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"mailpipe/internal/logger"
	"mailpipe/pkg/logging"
)

// Component is one long-running pipeline worker. Run blocks until the
// context is done and returns the context error on a clean stop.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pipeline owns the lifecycle of the worker set as a unit: all
// components start together and one component's hard failure stops
// the rest. The admin surface drives Start and Stop.
type Pipeline struct {
	components []Component
	logger     logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	lastErr error
}

func New(log logger.Logger, components ...Component) *Pipeline {
	return &Pipeline{
		components: components,
		logger:     log,
	}
}

// Running reports whether the worker set is currently up.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastError returns the error that took the pipeline down, if any.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Start launches every component. It is an error to start a running
// pipeline.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pipeline already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range p.components {
		c := c
		g.Go(func() error {
			runCtx := logging.WithComponent(ctx, c.Name)
			p.logger.InfowCtx(runCtx, "Component started")
			err := c.Run(runCtx)
			if err != nil && ctx.Err() == nil {
				p.logger.ErrorwCtx(runCtx, "Component failed", "error", err)
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			p.logger.InfowCtx(runCtx, "Component stopped")
			return nil
		})
	}

	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.running = true
	p.lastErr = nil

	go func() {
		err := g.Wait()
		cancel()
		p.mu.Lock()
		p.running = false
		p.lastErr = err
		p.mu.Unlock()
		close(done)
		if err != nil {
			p.logger.Errorw("Pipeline stopped with error", "error", err)
		} else {
			p.logger.Infow("Pipeline stopped")
		}
	}()

	p.logger.Infow("Pipeline started", "components", len(p.components))
	return nil
}

// Stop cancels the worker set and waits for it to drain, bounded by
// ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline stop timed out: %w", ctx.Err())
	}
}
