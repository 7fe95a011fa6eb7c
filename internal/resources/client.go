package resources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrSyncRejected = errors.New("sync rejected")

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

// SyncRequest is the body of POST /api/<kind>s/sync. LastSync is epoch
// milliseconds, or null on the first sync.
type SyncRequest struct {
	WorkspaceID string `json:"workspace_id"`
	LastSync    *int64 `json:"last_sync"`
}

type syncResponse struct {
	Success bool             `json:"success"`
	Data    []map[string]any `json:"data"`
	Message string           `json:"message,omitempty"`
}

// RemoteClient fetches the authoritative record set for one kind.
type RemoteClient interface {
	Sync(ctx context.Context, kind Kind, req SyncRequest) ([]map[string]any, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
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

func (c *HTTPClient) Sync(ctx context.Context, kind Kind, req SyncRequest) ([]map[string]any, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var resp syncResponse
	if err := c.post(ctx, "/api/"+kind.Plural()+"/sync", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrSyncRejected, resp.Message)
		}
		return nil, ErrSyncRejected
	}
	if resp.Data == nil {
		return []map[string]any{}, nil
	}
	return resp.Data, nil
}

// post sends body as JSON and decodes a 2xx reply into out. Transport
// failures, 429 and 5xx replies are retried up to maxRetries times.
func (c *HTTPClient) post(ctx context.Context, requestPath string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		retryAfter, err := c.roundTrip(ctx, requestPath, payload, out)
		var transient *transientError
		if !errors.As(err, &transient) {
			return err
		}
		if attempt > c.maxRetries || ctx.Err() != nil {
			return transient.err
		}
		if err := waitWithContext(ctx, c.retryDelay(attempt, retryAfter)); err != nil {
			return err
		}
	}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }

func (c *HTTPClient) roundTrip(ctx context.Context, requestPath string, payload []byte, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &transientError{err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode/100 == 2:
		if out == nil || len(raw) == 0 {
			return "", nil
		}
		return "", json.Unmarshal(raw, out)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5:
		return resp.Header.Get("Retry-After"), &transientError{err: decodeHTTPError(resp.StatusCode, raw)}
	default:
		return "", decodeHTTPError(resp.StatusCode, raw)
	}
}

func decodeHTTPError(status int, raw []byte) *HTTPError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Message == "" {
		body.Message = body.Detail
	}
	return &HTTPError{StatusCode: status, Code: body.Code, Message: body.Message}
}

func correlationID() string {
	return "dashsync_" + uuid.NewString()
}

// retryDelay honours Retry-After when the server sends one, otherwise
// doubles from baseDelay. Both are capped at maxDelay.
func (c *HTTPClient) retryDelay(attempt int, retryAfter string) time.Duration {
	ceiling := c.maxDelay
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}
	if d := parseRetryAfter(retryAfter); d > 0 {
		return min(d, ceiling)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for ; attempt > 1 && delay < ceiling; attempt-- {
		delay *= 2
	}
	return min(delay, ceiling)
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
		if delta := time.Until(ts); delta > 0 {
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
