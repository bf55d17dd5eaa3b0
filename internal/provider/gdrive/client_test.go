package gdrive

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveback/driveback/internal/provider"
)

type staticToken string

func (t staticToken) Token() (string, error) { return string(t), nil }

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(srv.URL, srv.Client(), staticToken("test-token"), nil, logger)
	c.sleepFunc = func(ctx context.Context, d time.Duration) error { return nil }

	return c
}

func TestDoSendsBearerToken(t *testing.T) {
	var gotAuth string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.do(context.Background(), "/files/abc")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls int

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.do(context.Background(), "/changes")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 3, calls)
}

func TestDoClassifiesStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"unauthorized", http.StatusUnauthorized, provider.ErrUnauthorized},
		{"forbidden", http.StatusForbidden, provider.ErrForbidden},
		{"not found", http.StatusNotFound, provider.ErrNotFound},
		{"gone is cursor expiry", http.StatusGone, provider.ErrCursorExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := c.do(context.Background(), "/files/abc")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *provider.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var calls int

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.do(context.Background(), "/changes")
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrServerError)
	assert.Equal(t, maxRetries+1, calls)
}

func TestRetryBackoffHonorsRetryAfter(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": {"7"}},
	}
	assert.Equal(t, 7*time.Second, c.retryBackoff(resp, 0))
}

func TestCalcBackoffIsCappedWithJitter(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for attempt := 0; attempt < 20; attempt++ {
		b := c.calcBackoff(attempt)
		assert.LessOrEqual(t, b, maxBackoff+maxBackoff/4)
		assert.Greater(t, b, time.Duration(0))
	}
}
