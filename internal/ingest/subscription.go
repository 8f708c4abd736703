package ingest

import (
	"context"
	"sync"
	"time"

	"mailpipe/internal/config"
	"mailpipe/internal/logger"
	"mailpipe/pkg/metrics"
	"mailpipe/pkg/models"
)

// SubscriptionAPI is the slice of the source client used to manage the
// push subscription.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, resource, notificationURL, clientState string, validity time.Duration) (*models.Subscription, error)
	RenewSubscription(ctx context.Context, id string, validity time.Duration) (*models.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// SubscriptionStore persists the subscription so a restart resumes
// instead of re-registering.
type SubscriptionStore interface {
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	LoadSubscription(ctx context.Context) (*models.Subscription, error)
}

// SubscriptionManager owns the push subscription lifecycle: create it
// on startup, renew it before expiry, and recreate it when renewal
// fails or the provider forgets it. The manager is the only writer of
// subscription state; everyone else reads through Healthy/Status.
type SubscriptionManager struct {
	api    SubscriptionAPI
	store  SubscriptionStore
	cfg    config.WebhookConfig
	logger logger.Logger

	now func() time.Time

	mu  sync.RWMutex
	sub *models.Subscription
}

func NewSubscriptionManager(api SubscriptionAPI, st SubscriptionStore, cfg config.WebhookConfig, log logger.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		api:    api,
		store:  st,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
}

// Healthy reports whether notifications are currently expected to
// arrive. The poller uses it to decide its cadence.
func (m *SubscriptionManager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sub != nil && m.sub.Status == models.SubscriptionActive && !m.sub.Expired(m.now())
}

// Status returns the current lifecycle state name.
func (m *SubscriptionManager) Status() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sub == nil {
		return string(models.SubscriptionAbsent)
	}
	return string(m.sub.Status)
}

// ValidateClientState checks the secret echoed back in notifications.
func (m *SubscriptionManager) ValidateClientState(state string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sub == nil || m.sub.ClientState == "" {
		return false
	}
	return m.sub.ClientState == state
}

// SubscriptionID returns the active subscription id, or "".
func (m *SubscriptionManager) SubscriptionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sub == nil {
		return ""
	}
	return m.sub.ID
}

func (m *SubscriptionManager) setState(ctx context.Context, sub *models.Subscription, status models.SubscriptionStatus) {
	m.mu.Lock()
	if sub != nil {
		sub.Status = status
		m.sub = sub
	} else if m.sub != nil {
		m.sub.Status = status
	} else {
		m.sub = &models.Subscription{Status: status}
	}
	current := *m.sub
	m.mu.Unlock()

	metrics.SubscriptionState.Set(status.StatusCode())

	if err := m.store.SaveSubscription(ctx, &current); err != nil {
		m.logger.ErrorwCtx(ctx, "Failed to persist subscription state", "error", err)
	}
}

// Run manages the subscription until ctx is done. On clean shutdown the
// subscription is left in place so a restart can resume it.
func (m *SubscriptionManager) Run(ctx context.Context) error {
	m.restore(ctx)
	m.ensure(ctx)

	ticker := time.NewTicker(m.cfg.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.ensure(ctx)
		}
	}
}

// restore adopts a persisted subscription when it is still usable.
func (m *SubscriptionManager) restore(ctx context.Context) {
	sub, err := m.store.LoadSubscription(ctx)
	if err != nil {
		m.logger.ErrorwCtx(ctx, "Failed to load persisted subscription", "error", err)
		return
	}
	if sub == nil {
		return
	}
	if sub.Expired(m.now()) {
		m.logger.InfowCtx(ctx, "Persisted subscription expired, will recreate",
			"subscription_id", sub.ID,
		)
		return
	}

	m.mu.Lock()
	sub.Status = models.SubscriptionActive
	m.sub = sub
	m.mu.Unlock()
	metrics.SubscriptionState.Set(models.SubscriptionActive.StatusCode())

	m.logger.InfowCtx(ctx, "Resumed persisted subscription",
		"subscription_id", sub.ID,
		"expires_at", sub.ExpiresAt,
	)
}

// ensure drives the state machine one step: create when absent or
// expired, renew when inside the safety margin, otherwise no-op.
func (m *SubscriptionManager) ensure(ctx context.Context) {
	m.mu.RLock()
	sub := m.sub
	m.mu.RUnlock()

	now := m.now()

	switch {
	case sub == nil || sub.ID == "" || sub.Status == models.SubscriptionExpired || sub.Status == models.SubscriptionFailed:
		m.create(ctx)
	case sub.Expired(now):
		m.logger.WarnwCtx(ctx, "Subscription expired before renewal",
			"subscription_id", sub.ID,
			"expired_at", sub.ExpiresAt,
		)
		m.setState(ctx, nil, models.SubscriptionExpired)
		m.create(ctx)
	case sub.ExpiresAt.Sub(now) <= m.cfg.RenewalSafetyMargin:
		m.renew(ctx, sub)
	}
}

func (m *SubscriptionManager) create(ctx context.Context) {
	m.setState(ctx, nil, models.SubscriptionCreating)

	sub, err := m.api.CreateSubscription(ctx, m.cfg.Resource, m.cfg.PublicURL, m.cfg.ClientState, m.cfg.Validity)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.ErrorwCtx(ctx, "Failed to create subscription", "error", err)
		m.setState(ctx, nil, models.SubscriptionFailed)
		return
	}

	sub.ClientState = m.cfg.ClientState
	m.setState(ctx, sub, models.SubscriptionActive)
	m.logger.InfowCtx(ctx, "Subscription created",
		"subscription_id", sub.ID,
		"expires_at", sub.ExpiresAt,
	)
}

func (m *SubscriptionManager) renew(ctx context.Context, current *models.Subscription) {
	m.setState(ctx, nil, models.SubscriptionRenewing)

	renewed, err := m.api.RenewSubscription(ctx, current.ID, m.cfg.Validity)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SubscriptionRenewalsTotal.WithLabelValues("failure").Inc()
		m.logger.ErrorwCtx(ctx, "Failed to renew subscription, recreating",
			"subscription_id", current.ID,
			"error", err,
		)
		// The provider may have dropped the subscription already; a
		// fresh one replaces it either way.
		_ = m.api.DeleteSubscription(ctx, current.ID)
		m.create(ctx)
		return
	}

	renewed.ID = current.ID
	renewed.ClientState = current.ClientState
	if renewed.Resource == "" {
		renewed.Resource = current.Resource
	}
	if renewed.NotificationURL == "" {
		renewed.NotificationURL = current.NotificationURL
	}

	metrics.SubscriptionRenewalsTotal.WithLabelValues("success").Inc()
	m.setState(ctx, renewed, models.SubscriptionActive)
	m.logger.InfowCtx(ctx, "Subscription renewed",
		"subscription_id", renewed.ID,
		"expires_at", renewed.ExpiresAt,
	)
}
