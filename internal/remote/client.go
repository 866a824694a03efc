// Package remote provides the client for the authoritative habit service.
//
// The service is a conventional CRUD+bulk REST API. The HTTP client retries
// transient failures (network errors, 429, 5xx) a bounded number of times
// with exponential backoff, honoring Retry-After; everything else surfaces
// as a typed *HTTPError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is the interface the sync engine and repository facade talk to.
type Client interface {
	// ListAll fetches the full habit snapshot for a user.
	ListAll(ctx context.Context, userID int64) ([]Entity, error)

	// Get fetches a single habit by remote id.
	Get(ctx context.Context, remoteID int64) (Entity, error)

	// Create stores a new habit and returns it with the assigned remote id.
	Create(ctx context.Context, e Entity) (Entity, error)

	// Update overwrites the habit with the given remote id.
	Update(ctx context.Context, remoteID int64, e Entity) (Entity, error)

	// Delete removes the habit with the given remote id.
	Delete(ctx context.Context, remoteID int64) error

	// BulkSync uploads a batch of habits and returns the server's copies.
	BulkSync(ctx context.Context, entities []Entity) ([]Entity, error)

	// Health issues a cheap request that answers whether the service is
	// reachable right now. Used by the connectivity probe.
	Health(ctx context.Context) error
}

// HTTPError is a non-retryable response from the habit service.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an HTTP 404 from the service.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// HTTPClient implements Client against the habit service's REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient creates a client for the service at baseURL. If httpClient
// is nil a default with a 15s timeout is used.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// ListAll implements Client.ListAll.
func (c *HTTPClient) ListAll(ctx context.Context, userID int64) ([]Entity, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(userID, 10))
	var out []Entity
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/habits?"+q.Encode(), nil, &out)
	return out, err
}

// Get implements Client.Get.
func (c *HTTPClient) Get(ctx context.Context, remoteID int64) (Entity, error) {
	var out Entity
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v1/habits/%d", remoteID), nil, &out)
	return out, err
}

// Create implements Client.Create.
func (c *HTTPClient) Create(ctx context.Context, e Entity) (Entity, error) {
	var out Entity
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/habits", e, &out)
	return out, err
}

// Update implements Client.Update.
func (c *HTTPClient) Update(ctx context.Context, remoteID int64, e Entity) (Entity, error) {
	var out Entity
	err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/v1/habits/%d", remoteID), e, &out)
	return out, err
}

// Delete implements Client.Delete.
func (c *HTTPClient) Delete(ctx context.Context, remoteID int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/habits/%d", remoteID), nil, nil)
}

// BulkSync implements Client.BulkSync.
func (c *HTTPClient) BulkSync(ctx context.Context, entities []Entity) ([]Entity, error) {
	var out []Entity
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/habits/bulk", entities, &out)
	return out, err
}

// Health implements Client.Health. The request is deliberately cheap and
// not retried: the probe wants the truth about right now, not eventually.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
