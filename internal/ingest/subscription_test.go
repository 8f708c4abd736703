package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpipe/internal/config"
	"mailpipe/internal/logger"
	"mailpipe/pkg/models"
)

type fakeSubscriptionAPI struct {
	createCalls int
	renewCalls  int
	deleteCalls int

	createErr error
	renewErr  error

	nextID   string
	validity time.Duration
}

func (f *fakeSubscriptionAPI) CreateSubscription(_ context.Context, resource, notificationURL, clientState string, validity time.Duration) (*models.Subscription, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := f.nextID
	if id == "" {
		id = "sub-1"
	}
	return &models.Subscription{
		ID:              id,
		Resource:        resource,
		NotificationURL: notificationURL,
		ClientState:     clientState,
		ExpiresAt:       time.Now().Add(validity),
		Status:          models.SubscriptionActive,
	}, nil
}

func (f *fakeSubscriptionAPI) RenewSubscription(_ context.Context, id string, validity time.Duration) (*models.Subscription, error) {
	f.renewCalls++
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	f.validity = validity
	return &models.Subscription{
		ID:        id,
		ExpiresAt: time.Now().Add(validity),
		Status:    models.SubscriptionActive,
	}, nil
}

func (f *fakeSubscriptionAPI) DeleteSubscription(_ context.Context, _ string) error {
	f.deleteCalls++
	return nil
}

type fakeSubscriptionStore struct {
	saved  *models.Subscription
	loaded *models.Subscription
}

func (f *fakeSubscriptionStore) SaveSubscription(_ context.Context, sub *models.Subscription) error {
	copied := *sub
	f.saved = &copied
	return nil
}

func (f *fakeSubscriptionStore) LoadSubscription(_ context.Context) (*models.Subscription, error) {
	return f.loaded, nil
}

func webhookTestConfig() config.WebhookConfig {
	return config.WebhookConfig{
		PublicURL:           "https://pipeline.example.com/notifications",
		Resource:            "inbox",
		ClientState:         "secret-state",
		Validity:            2 * time.Minute,
		RenewalInterval:     time.Minute,
		RenewalSafetyMargin: time.Minute,
	}
}

func TestSubscriptionManager_CreatesWhenAbsent(t *testing.T) {
	api := &fakeSubscriptionAPI{}
	st := &fakeSubscriptionStore{}
	m := NewSubscriptionManager(api, st, webhookTestConfig(), logger.NopLogger())

	m.ensure(context.Background())

	assert.Equal(t, 1, api.createCalls)
	assert.True(t, m.Healthy())
	assert.Equal(t, string(models.SubscriptionActive), m.Status())
	assert.Equal(t, "sub-1", m.SubscriptionID())

	require.NotNil(t, st.saved)
	assert.Equal(t, "sub-1", st.saved.ID)
	assert.Equal(t, "secret-state", st.saved.ClientState)
}

func TestSubscriptionManager_RenewsInsideSafetyMargin(t *testing.T) {
	api := &fakeSubscriptionAPI{}
	st := &fakeSubscriptionStore{}
	m := NewSubscriptionManager(api, st, webhookTestConfig(), logger.NopLogger())

	now := time.Now()
	m.now = func() time.Time { return now }
	m.sub = &models.Subscription{
		ID:          "sub-1",
		ClientState: "secret-state",
		ExpiresAt:   now.Add(30 * time.Second), // inside the 1m margin
		Status:      models.SubscriptionActive,
	}

	m.ensure(context.Background())

	assert.Equal(t, 1, api.renewCalls)
	assert.Zero(t, api.createCalls)
	assert.Equal(t, string(models.SubscriptionActive), m.Status())
	assert.Equal(t, "secret-state", m.sub.ClientState)
	assert.True(t, m.sub.ExpiresAt.After(now.Add(time.Minute)))
}

func TestSubscriptionManager_NoRenewalOutsideMargin(t *testing.T) {
	api := &fakeSubscriptionAPI{}
	st := &fakeSubscriptionStore{}
	m := NewSubscriptionManager(api, st, webhookTestConfig(), logger.NopLogger())

	now := time.Now()
	m.now = func() time.Time { return now }
	m.sub = &models.Subscription{
		ID:        "sub-1",
		ExpiresAt: now.Add(90 * time.Second), // outside the 1m margin
		Status:    models.SubscriptionActive,
	}

	m.ensure(context.Background())

	assert.Zero(t, api.renewCalls)
	assert.Zero(t, api.createCalls)
}

func TestSubscriptionManager_RecreatesAfterRenewalFailure(t *testing.T) {
	api := &fakeSubscriptionAPI{renewErr: errors.New("subscription not found"), nextID: "sub-2"}
	st := &fakeSubscriptionStore{}
	m := NewSubscriptionManager(api, st, webhookTestConfig(), logger.NopLogger())

	now := time.Now()
	m.now = func() time.Time { return now }
	m.sub = &models.Subscription{
		ID:        "sub-1",
		ExpiresAt: now.Add(30 * time.Second),
		Status:    models.SubscriptionActive,
	}

	m.ensure(context.Background())

	assert.Equal(t, 1, api.renewCalls)
	assert.Equal(t, 1, api.deleteCalls)
	assert.Equal(t, 1, api.createCalls)
	assert.Equal(t, "sub-2", m.SubscriptionID())
	assert.True(t, m.Healthy())
}

func TestSubscriptionManager_RecreatesExpired(t *testing.T) {
	api := &fakeSubscriptionAPI{}
	st := &fakeSubscriptionStore{}
	m := NewSubscriptionManager(api, st, webhookTestConfig(), logger.NopLogger())

	now := time.Now()
	m.now = func() time.Time { return now }
	m.sub = &models.Subscription{
		ID:        "sub-1",
		ExpiresAt: now.Add(-time.Minute),
		Status:    models.SubscriptionActive,
	}

	assert.False(t, m.Healthy())
	m.ensure(context.Background())

	assert.Equal(t, 1, api.createCalls)
	assert.True(t, m.Healthy())
}

func TestSubscriptionManager_FailedCreateLeavesFailedState(t *testing.T) {
	api := &fakeSubscriptionAPI{createErr: errors.New("provider down")}
	st := &fakeSubscriptionStore{}
	m := NewSubscriptionManager(api, st, webhookTestConfig(), logger.NopLogger())

	m.ensure(context.Background())

	assert.False(t, m.Healthy())
	assert.Equal(t, string(models.SubscriptionFailed), m.Status())

	// Next tick retries the create.
	api.createErr = nil
	m.ensure(context.Background())
	assert.True(t, m.Healthy())
}

func TestSubscriptionManager_RestoresPersistedSubscription(t *testing.T) {
	api := &fakeSubscriptionAPI{}
	st := &fakeSubscriptionStore{
		loaded: &models.Subscription{
			ID:          "sub-old",
			ClientState: "secret-state",
			ExpiresAt:   time.Now().Add(time.Hour),
			Status:      models.SubscriptionActive,
		},
	}
	m := NewSubscriptionManager(api, st, webhookTestConfig(), logger.NopLogger())

	m.restore(context.Background())

	assert.Zero(t, api.createCalls)
	assert.True(t, m.Healthy())
	assert.Equal(t, "sub-old", m.SubscriptionID())
}

func TestSubscriptionManager_IgnoresExpiredPersistedSubscription(t *testing.T) {
	api := &fakeSubscriptionAPI{}
	st := &fakeSubscriptionStore{
		loaded: &models.Subscription{
			ID:        "sub-old",
			ExpiresAt: time.Now().Add(-time.Hour),
			Status:    models.SubscriptionActive,
		},
	}
	m := NewSubscriptionManager(api, st, webhookTestConfig(), logger.NopLogger())

	m.restore(context.Background())
	assert.False(t, m.Healthy())

	m.ensure(context.Background())
	assert.Equal(t, 1, api.createCalls)
	assert.Equal(t, "sub-1", m.SubscriptionID())
}

func TestSubscriptionManager_ValidateClientState(t *testing.T) {
	m := NewSubscriptionManager(&fakeSubscriptionAPI{}, &fakeSubscriptionStore{}, webhookTestConfig(), logger.NopLogger())

	assert.False(t, m.ValidateClientState("secret-state"))

	m.sub = &models.Subscription{ID: "sub-1", ClientState: "secret-state"}
	assert.True(t, m.ValidateClientState("secret-state"))
	assert.False(t, m.ValidateClientState("wrong"))
	assert.False(t, m.ValidateClientState(""))
}
