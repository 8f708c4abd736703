package ingest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpipe/internal/config"
	"mailpipe/internal/logger"
	"mailpipe/pkg/models"
)

func newTestReceiver(t *testing.T) (*WebhookReceiver, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	subs := NewSubscriptionManager(&fakeSubscriptionAPI{}, &fakeSubscriptionStore{}, webhookTestConfig(), logger.NopLogger())
	subs.sub = &models.Subscription{ID: "sub-1", ClientState: "secret-state"}

	receiver := NewWebhookReceiver(nil, subs, config.WebhookConfig{FetchBuffer: 8}, logger.NopLogger())

	router := gin.New()
	receiver.RegisterRoutes(router)
	return receiver, router
}

func TestWebhookReceiver_ValidationHandshake(t *testing.T) {
	_, router := newTestReceiver(t)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/notifications?validationToken=token-123", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "token-123", rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
		})
	}
}

func TestWebhookReceiver_ValidationRequiresToken(t *testing.T) {
	_, router := newTestReceiver(t)

	req := httptest.NewRequest(http.MethodGet, "/notifications", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookReceiver_AcceptsValidNotification(t *testing.T) {
	receiver, router := newTestReceiver(t)

	body := `{"value":[{"subscriptionId":"sub-1","clientState":"secret-state","changeType":"created","resourceData":{"id":"msg-1"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":1`)

	select {
	case id := <-receiver.work:
		assert.Equal(t, "msg-1", id)
	default:
		t.Fatal("expected record id on the fetch queue")
	}
}

func TestWebhookReceiver_RejectsBadClientState(t *testing.T) {
	receiver, router := newTestReceiver(t)

	body := `{"value":[{"subscriptionId":"sub-1","clientState":"forged","resourceData":{"id":"msg-1"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Still acknowledged so the provider keeps the subscription alive.
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":0`)
	assert.Empty(t, receiver.work)
}

func TestWebhookReceiver_RejectsMalformedBody(t *testing.T) {
	_, router := newTestReceiver(t)

	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookReceiver_SkipsItemsWithoutResourceID(t *testing.T) {
	receiver, router := newTestReceiver(t)

	body := `{"value":[{"subscriptionId":"sub-1","clientState":"secret-state","resourceData":{}}]}`
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, receiver.work)
}

func TestWebhookReceiver_OverflowDefersToPoll(t *testing.T) {
	gin.SetMode(gin.TestMode)
	subs := NewSubscriptionManager(&fakeSubscriptionAPI{}, &fakeSubscriptionStore{}, webhookTestConfig(), logger.NopLogger())
	subs.sub = &models.Subscription{ID: "sub-1", ClientState: "secret-state"}

	receiver := NewWebhookReceiver(nil, subs, config.WebhookConfig{FetchBuffer: 1}, logger.NopLogger())
	router := gin.New()
	receiver.RegisterRoutes(router)

	body := `{"value":[
		{"subscriptionId":"sub-1","clientState":"secret-state","resourceData":{"id":"msg-1"}},
		{"subscriptionId":"sub-1","clientState":"secret-state","resourceData":{"id":"msg-2"}}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":1`)
	assert.Len(t, receiver.work, 1)
}

func TestWebhookReceiver_HealthyFlipsOnConsecutiveFailures(t *testing.T) {
	receiver, _ := newTestReceiver(t)
	receiver.cfg.MaxHandlerErrors = 3

	assert.True(t, receiver.Healthy())

	receiver.failures.Store(2)
	assert.True(t, receiver.Healthy())

	receiver.failures.Store(3)
	assert.False(t, receiver.Healthy())

	// A successful fetch resets the streak.
	receiver.failures.Store(0)
	assert.True(t, receiver.Healthy())
}
