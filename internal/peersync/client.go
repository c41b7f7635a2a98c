package peersync

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

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/agentworkforce/relaywoot/internal/site"
	"github.com/agentworkforce/relaywoot/internal/wire"
	"github.com/agentworkforce/relaywoot/internal/woot"
)

const originHeader = "X-Relaywoot-Origin"

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

// PushResult is a remote site's answer to a delivered patch.
type PushResult struct {
	Report woot.DeliveryReport `json:"report"`
	Errors []string            `json:"errors,omitempty"`
}

type RemoteClient interface {
	FetchPatches(ctx context.Context, cursor int64, limit int) (site.FeedPage, error)
	PushPatch(ctx context.Context, origin string, patch woot.Patch) (PushResult, error)
	FetchState(ctx context.Context) (woot.Snapshot, error)
	PushState(ctx context.Context, snap woot.Snapshot) error
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) FetchPatches(ctx context.Context, cursor int64, limit int) (site.FeedPage, error) {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out site.FeedPage
	err := c.doJSON(ctx, http.MethodGet, "/v1/patches?"+q.Encode(), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) PushPatch(ctx context.Context, origin string, patch woot.Patch) (PushResult, error) {
	body, err := wire.EncodePatch(patch)
	if err != nil {
		return PushResult{}, err
	}
	var out PushResult
	headers := map[string]string{}
	if origin != "" {
		headers[originHeader] = origin
	}
	err = c.doJSON(ctx, http.MethodPost, "/v1/patches", headers, json.RawMessage(body), &out)
	return out, err
}

func (c *HTTPClient) FetchState(ctx context.Context) (woot.Snapshot, error) {
	var out woot.Snapshot
	err := c.doJSON(ctx, http.MethodGet, "/v1/state", nil, nil, &out)
	return out, err
}

func (c *HTTPClient) PushState(ctx context.Context, snap woot.Snapshot) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/state", nil, snap, nil)
}

// doJSON retries transport failures, 429 and 5xx responses with
// exponential backoff. Any other non-2xx status fails immediately.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	var final error
	attempt := func() error {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			final = err
			return nil
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			final = err
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			final = readErr
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			final = nil
			if out != nil && len(payloadBytes) > 0 {
				final = json.Unmarshal(payloadBytes, out)
			}
			return nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		final = &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				if wait > c.maxDelay {
					wait = c.maxDelay
				}
				if err := waitWithContext(ctx, wait); err != nil {
					final = err
					return nil
				}
			}
			return final
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(c.policy(), c.maxRetries), ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return final
}

func (c *HTTPClient) policy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.MaxInterval = c.maxDelay
	policy.MaxElapsedTime = 0
	return policy
}

func correlationID() string {
	return "peersync_" + uuid.NewString()
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

func isStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}
