// Package forge is the REST client for the source-code hosting platform.
// The orchestrator uses it to post comments and to keep the pull request's
// stage-indicator label in sync with persisted task state.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20 // 1MB
)

// ErrUnavailable marks transient forge failures (network errors, 5xx, 429).
// Callers retry these; everything else is permanent.
var ErrUnavailable = errors.New("forge unavailable")

// APIError is a non-2xx response from the forge.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forge API error (status %d): %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the forge REST API for one repository.
type Client struct {
	baseURL    string
	repo       string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a forge client. baseURL is the API root, repo is the
// "owner/name" slug.
func NewClient(baseURL, repo, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		repo:       repo,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// PostComment posts a comment on a pull request.
func (c *Client) PostComment(ctx context.Context, pr int, body string) error {
	payload := map[string]string{"body": body}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", c.repo, pr)
	return c.do(ctx, http.MethodPost, path, payload)
}

// AddLabel adds a label to a pull request. Adding an already-present label
// is a no-op on the forge side.
func (c *Client) AddLabel(ctx context.Context, pr int, label string) error {
	payload := map[string][]string{"labels": {label}}
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", c.repo, pr)
	return c.do(ctx, http.MethodPost, path, payload)
}

// RemoveLabel removes a label from a pull request. A 404 means the label was
// not present, which is fine.
func (c *Client) RemoveLabel(ctx context.Context, pr int, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", c.repo, pr, url.PathEscape(label))
	err := c.do(ctx, http.MethodDelete, path, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// SetStageLabel transitions the pull request's stage-indicator label: every
// label in known other than target is removed, then target is added. Stage
// labels stay mutually exclusive as long as all writers go through here.
func (c *Client) SetStageLabel(ctx context.Context, pr int, target string, known []string) error {
	for _, label := range known {
		if label == target || label == "" {
			continue
		}
		if err := c.RemoveLabel(ctx, pr, label); err != nil {
			return fmt.Errorf("remove stage label %q: %w", label, err)
		}
	}
	if target == "" {
		return nil
	}
	if err := c.AddLabel(ctx, pr, target); err != nil {
		return fmt.Errorf("add stage label %q: %w", target, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	if apiErr.Transient() {
		return fmt.Errorf("%w: %w", ErrUnavailable, apiErr)
	}
	return apiErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
