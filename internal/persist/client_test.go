package persist

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

func testExecutor(attempts int) *retry.Executor {
	return retry.NewExecutor(retry.ExecutorConfig{
		Identity: "downstream-test",
		Policy: retry.Policy{
			MaxAttempts:     attempts,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
		},
	})
}

func testPayloads(ids ...string) []models.OutputPayload {
	payloads := make([]models.OutputPayload, len(ids))
	for i, id := range ids {
		payloads[i] = models.OutputPayload{
			RecordID: id,
			Body:     models.PayloadBody{ID: id, Subject: "s", Sender: "a@b.c"},
		}
	}
	return payloads
}

func TestClient_SubmitBatchAccepted(t *testing.T) {
	var got struct {
		Items []models.PayloadBody `json:"items"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/batch-metadata", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, testExecutor(3), logger.NopLogger())
	result, err := client.SubmitBatch(context.Background(), testPayloads("a", "b"))

	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "a", got.Items[0].ID)
}

func TestClient_SubmitBatchPerItemResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(models.SubmitResult{
			Accepted: 1,
			Results: []models.ItemResult{
				{ID: "a", Status: "accepted"},
				{ID: "b", Status: "invalid", Error: "missing field"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, testExecutor(3), logger.NopLogger())
	result, err := client.SubmitBatch(context.Background(), testPayloads("a", "b"))

	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	require.Len(t, result.Results, 2)
	assert.False(t, result.Results[0].Failed())
	assert.True(t, result.Results[1].Failed())
}

func TestClient_SubmitBatchRetriesOn429(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, testExecutor(3), logger.NopLogger())
	result, err := client.SubmitBatch(context.Background(), testPayloads("a"))

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, result.Accepted)
}

func TestClient_SubmitBatchPermanent400(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "malformed batch", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, testExecutor(5), logger.NopLogger())
	_, err := client.SubmitBatch(context.Background(), testPayloads("a"))

	require.Error(t, err)
	assert.Equal(t, 1, calls, "a 400 must not be retried")

	var statusErr *retry.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.False(t, retry.Exhausted(err))
}

func TestClient_SubmitBatchExhaustsOn503(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, testExecutor(3), logger.NopLogger())
	_, err := client.SubmitBatch(context.Background(), testPayloads("a"))

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, retry.Exhausted(err))
}
