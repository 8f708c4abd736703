package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/pkg/models"
	"mailpipe/pkg/retry"
)

// Client submits payload batches to the downstream persistence API.
// The API accepts a batch with 202, rejects malformed or unauthorized
// batches with 4xx, and signals overload with 429 plus Retry-After.
type Client struct {
	baseURL  string
	http     *http.Client
	executor *retry.Executor
	logger   logger.Logger
}

func NewClient(baseURL string, executor *retry.Executor, log logger.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: constants.SubmitHTTPTimeout},
		executor: executor,
		logger:   log,
	}
}

type batchRequest struct {
	Items []models.PayloadBody `json:"items"`
}

// SubmitBatch delivers one batch. The returned result may carry
// per-item statuses when the API reports them; an empty Results slice
// means the whole batch was accepted as a unit.
func (c *Client) SubmitBatch(ctx context.Context, payloads []models.OutputPayload) (*models.SubmitResult, error) {
	items := make([]models.PayloadBody, len(payloads))
	for i, p := range payloads {
		items[i] = p.Body
	}

	encoded, err := json.Marshal(batchRequest{Items: items})
	if err != nil {
		return nil, retry.NewFatalError(fmt.Errorf("marshal batch: %w", err))
	}

	var result models.SubmitResult
	err = c.executor.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batch-metadata", bytes.NewReader(encoded))
		if err != nil {
			return retry.NewFatalError(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.NewRetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
			return retry.NewStatusError(resp)
		}

		result = models.SubmitResult{}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			// A bare 202 without a body still counts as accepted.
			result = models.SubmitResult{Accepted: len(items)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Accepted == 0 && len(result.Results) == 0 {
		result.Accepted = len(items)
	}
	return &result, nil
}
