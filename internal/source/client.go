package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/pkg/models"
	"mailpipe/pkg/retry"
)

// TokenProvider supplies the bearer token for each outbound request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider hands out a fixed token, typically injected from
// configuration or the environment.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(_ context.Context) (string, error) {
	if p.token == "" {
		return "", fmt.Errorf("no source API token configured")
	}
	return p.token, nil
}

// Client talks to the upstream record-source API. Every call goes
// through the shared executor, so rate-limit admission, retry, and the
// circuit breaker apply uniformly.
type Client struct {
	baseURL  string
	tokens   TokenProvider
	http     *http.Client
	executor *retry.Executor
	logger   logger.Logger
}

func NewClient(baseURL string, tokens TokenProvider, executor *retry.Executor, log logger.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		tokens:   tokens,
		http:     &http.Client{Timeout: constants.DefaultHTTPTimeout},
		executor: executor,
		logger:   log,
	}
}

type listResponse struct {
	Value []models.SourceMessage `json:"value"`
}

// ListUnread returns up to pageSize unread inbox messages, oldest first.
func (c *Client) ListUnread(ctx context.Context, pageSize int) ([]models.SourceMessage, error) {
	query := url.Values{}
	query.Set("$filter", "isRead eq false")
	query.Set("$orderby", "receivedDateTime asc")
	query.Set("$top", fmt.Sprintf("%d", pageSize))

	var out listResponse
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		return c.getJSON(ctx, "/messages?"+query.Encode(), &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}

// GetMessage fetches one message's metadata by id.
func (c *Client) GetMessage(ctx context.Context, id string) (*models.SourceMessage, error) {
	var out models.SourceMessage
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		return c.getJSON(ctx, "/messages/"+url.PathEscape(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRawContent fetches the full raw content of a message.
func (c *Client) GetRawContent(ctx context.Context, id string) (string, error) {
	var raw string
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/messages/"+url.PathEscape(id)+"/$value", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return retry.NewRetryableError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return retry.NewStatusError(resp)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.NewRetryableError(err)
		}
		raw = string(body)
		return nil
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}

// MarkRead flags a message so the next poll cycle skips it.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	body := map[string]bool{"isRead": true}
	return c.executor.Do(ctx, func(ctx context.Context) error {
		return c.send(ctx, http.MethodPatch, "/messages/"+url.PathEscape(id), body, nil)
	})
}

// MoveToJunk relocates a rejected message out of the inbox.
func (c *Client) MoveToJunk(ctx context.Context, id string) error {
	body := map[string]string{"destinationId": "junkemail"}
	return c.executor.Do(ctx, func(ctx context.Context) error {
		return c.send(ctx, http.MethodPost, "/messages/"+url.PathEscape(id)+"/move", body, nil)
	})
}

type subscriptionRequest struct {
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	Resource           string `json:"resource"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

type subscriptionResponse struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource"`
	NotificationURL    string `json:"notificationUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState"`
}

// CreateSubscription registers a change notification subscription with
// the given validity window.
func (c *Client) CreateSubscription(ctx context.Context, resource, notificationURL, clientState string, validity time.Duration) (*models.Subscription, error) {
	reqBody := subscriptionRequest{
		ChangeType:         "created",
		NotificationURL:    notificationURL,
		Resource:           resource,
		ExpirationDateTime: time.Now().Add(validity).UTC().Format(time.RFC3339),
		ClientState:        clientState,
	}

	var out subscriptionResponse
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		return c.send(ctx, http.MethodPost, "/subscriptions", reqBody, &out)
	})
	if err != nil {
		return nil, err
	}
	return c.toSubscription(out, clientState)
}

// RenewSubscription pushes an existing subscription's expiry forward.
func (c *Client) RenewSubscription(ctx context.Context, id string, validity time.Duration) (*models.Subscription, error) {
	reqBody := map[string]string{
		"expirationDateTime": time.Now().Add(validity).UTC().Format(time.RFC3339),
	}

	var out subscriptionResponse
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		return c.send(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), reqBody, &out)
	})
	if err != nil {
		return nil, err
	}
	return c.toSubscription(out, "")
}

// DeleteSubscription removes a subscription. A 404 is treated as
// success since the subscription is gone either way.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		return c.send(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
	})
	var statusErr *retry.StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) toSubscription(resp subscriptionResponse, clientState string) (*models.Subscription, error) {
	expires, err := time.Parse(time.RFC3339, resp.ExpirationDateTime)
	if err != nil {
		return nil, fmt.Errorf("parse subscription expiry %q: %w", resp.ExpirationDateTime, err)
	}
	if clientState == "" {
		clientState = resp.ClientState
	}
	return &models.Subscription{
		ID:              resp.ID,
		Resource:        resp.Resource,
		NotificationURL: resp.NotificationURL,
		ExpiresAt:       expires,
		ClientState:     clientState,
		Status:          models.SubscriptionActive,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, retry.NewFatalError(err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, retry.NewFatalError(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return retry.NewRetryableError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return retry.NewStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.NewRetryableError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return retry.NewFatalError(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.NewRetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.NewStatusError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.NewRetryableError(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
