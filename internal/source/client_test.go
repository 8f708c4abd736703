package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpipe/internal/logger"
	"mailpipe/pkg/models"
	"mailpipe/pkg/retry"
)

func testExecutor() *retry.Executor {
	return retry.NewExecutor(retry.ExecutorConfig{
		Identity: "source-test",
		Policy: retry.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
		},
	})
}

func newTestClient(server *httptest.Server) *Client {
	return NewClient(server.URL, NewStaticTokenProvider("test-token"), testExecutor(), logger.NopLogger())
}

func TestClient_ListUnread(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "isRead eq false", r.URL.Query().Get("$filter"))
		assert.Equal(t, "25", r.URL.Query().Get("$top"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": []models.SourceMessage{
				{ID: "msg-1", Subject: "invoice"},
				{ID: "msg-2", Subject: "receipt"},
			},
		})
	}))
	defer server.Close()

	messages, err := newTestClient(server).ListUnread(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "msg-1", messages[0].ID)
}

func TestClient_GetRawContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/msg-1/$value", r.URL.Path)
		w.Write([]byte("raw mime content"))
	}))
	defer server.Close()

	raw, err := newTestClient(server).GetRawContent(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "raw mime content", raw)
}

func TestClient_MarkRead(t *testing.T) {
	var body map[string]bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/messages/msg-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	require.NoError(t, newTestClient(server).MarkRead(context.Background(), "msg-1"))
	assert.True(t, body["isRead"])
}

func TestClient_CreateSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/subscriptions", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "created", req["changeType"])
		assert.Equal(t, "https://pipeline.example.com/notifications", req["notificationUrl"])
		assert.Equal(t, "secret", req["clientState"])

		json.NewEncoder(w).Encode(map[string]string{
			"id":                 "sub-1",
			"resource":           req["resource"],
			"notificationUrl":    req["notificationUrl"],
			"expirationDateTime": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"clientState":        req["clientState"],
		})
	}))
	defer server.Close()

	sub, err := newTestClient(server).CreateSubscription(
		context.Background(), "inbox", "https://pipeline.example.com/notifications", "secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, "secret", sub.ClientState)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.True(t, sub.ExpiresAt.After(time.Now()))
}

func TestClient_DeleteSubscriptionTolerates404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	assert.NoError(t, newTestClient(server).DeleteSubscription(context.Background(), "sub-1"))
}

func TestClient_Unauthorized(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server).ListUnread(context.Background(), 10)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "401 must not be retried")
}

func TestStaticTokenProvider_RequiresToken(t *testing.T) {
	_, err := NewStaticTokenProvider("").Token(context.Background())
	assert.Error(t, err)
}
