// Package gdrive implements the provider.Client interface against the
// Google Drive v3 REST API with automatic retry, rate limiting, and error
// classification.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/driveback/driveback/internal/provider"
)

// DefaultBaseURL is the Drive v3 API endpoint.
const DefaultBaseURL = "https://www.googleapis.com/drive/v3"

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "driveback/0.1"
)

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per
// Go convention "accept interfaces, return structs"; TokenManager is the
// real implementation.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the Google Drive API. It handles request
// construction, authentication, retry with exponential backoff, and error
// classification, and satisfies provider.Client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	refresher  Refresher
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Refresher proactively refreshes credentials before a sync run.
// TokenManager implements it; tests substitute a no-op.
type Refresher interface {
	RefreshIfNeeded(ctx context.Context) error
}

// NewClient creates a Drive API client. Pass DefaultBaseURL outside of
// tests. refresher may be nil when the token source never expires.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, refresher Refresher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		refresher:  refresher,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// RefreshTokensIfNeeded implements provider.Client.
func (c *Client) RefreshTokensIfNeeded(ctx context.Context) error {
	if c.refresher == nil {
		return nil
	}

	return c.refresher.RefreshIfNeeded(ctx)
}

// do executes an HTTP GET against the Drive API with retry. The path is
// appended to the client's base URL and must carry its own query string.
// The caller closes the response body on success.
func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, url)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("gdrive: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("gdrive: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("gdrive: GET %s failed after %d retries: %w", path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("gdrive: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &provider.APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	return c.httpClient.Do(req)
}

// retryBackoff returns the backoff duration for a retryable response. For
// 429 responses with a Retry-After header, that value wins.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// classifyStatus maps an HTTP status code to a provider sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return provider.ErrBadRequest
	case http.StatusUnauthorized:
		return provider.ErrUnauthorized
	case http.StatusForbidden:
		return provider.ErrForbidden
	case http.StatusNotFound:
		return provider.ErrNotFound
	case http.StatusGone:
		// The Changes API returns 410 when a page token is too old.
		return provider.ErrCursorExpired
	case http.StatusTooManyRequests:
		return provider.ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return provider.ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
