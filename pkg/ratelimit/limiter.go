package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailpipe/pkg/metrics"
)

const keyPrefix = "ratelimit:"

// WindowConfig is the admission budget for one external API identity.
type WindowConfig struct {
	Limit  int64
	Window time.Duration
}

// Limiter is a fixed-window counter per identity, backed by Redis so the
// current window survives a process restart. A call is admitted while
// count < limit inside the window; the counter key expires with the window.
type Limiter struct {
	client  *redis.Client
	windows map[string]WindowConfig
}

func NewLimiter(client *redis.Client, windows map[string]WindowConfig) *Limiter {
	if windows == nil {
		windows = make(map[string]WindowConfig)
	}
	return &Limiter{client: client, windows: windows}
}

// Allow reports whether one call for identity fits in the current window.
// When denied it also returns how long to sleep until the window rolls over.
func (l *Limiter) Allow(ctx context.Context, identity string) (bool, time.Duration, error) {
	cfg, ok := l.windows[identity]
	if !ok || cfg.Limit <= 0 {
		return true, 0, nil
	}

	key := keyPrefix + identity

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr for %s: %w", identity, err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, cfg.Window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire for %s: %w", identity, err)
		}
	}

	if count <= cfg.Limit {
		metrics.RateLimitDecisionsTotal.WithLabelValues(identity, "allowed").Inc()
		return true, 0, nil
	}

	remaining, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit pttl for %s: %w", identity, err)
	}
	if remaining <= 0 {
		// Counter key lost its expiry, restore the window.
		_ = l.client.Expire(ctx, key, cfg.Window).Err()
		remaining = cfg.Window
	}

	metrics.RateLimitDecisionsTotal.WithLabelValues(identity, "denied").Inc()
	return false, remaining, nil
}

// Wait blocks until a call for identity is admitted or ctx is done.
// Denials sleep out the remaining window instead of spinning.
func (l *Limiter) Wait(ctx context.Context, identity string) error {
	for {
		allowed, sleep, err := l.Allow(ctx, identity)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset clears the window counter for identity.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	return l.client.Del(ctx, keyPrefix+identity).Err()
}
