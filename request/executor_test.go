package request

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltydex/x402-autopay/types"
)

// fakeSleep records requested waits without actually sleeping.
func fakeSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := New()
	resp, err := e.Do(context.Background(), http.MethodGet, server.URL, Options{})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var waits []time.Duration
	e := New(WithBackoffBase(time.Second))
	e.sleep = fakeSleep(&waits)

	resp, err := e.Do(context.Background(), http.MethodGet, server.URL, Options{})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, waits, 2)
	assert.Equal(t, time.Second, waits[0])
	assert.Equal(t, 2*time.Second, waits[1])
}

func TestDoReturnsLastResponseWhenExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var waits []time.Duration
	e := New(WithMaxRetries(2))
	e.sleep = fakeSleep(&waits)

	resp, err := e.Do(context.Background(), http.MethodGet, server.URL, Options{})
	require.NoError(t, err, "exhausted 5xx retries must return the last response, not an error")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var waits []time.Duration
	e := New()
	e.sleep = fakeSleep(&waits)

	resp, err := e.Do(context.Background(), http.MethodGet, server.URL, Options{})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, waits, 1)
	assert.Equal(t, 7*time.Second, waits[0])
}

func TestDoRateLimitWithoutRetryAfterUsesBackoff(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var waits []time.Duration
	e := New(WithBackoffBase(500 * time.Millisecond))
	e.sleep = fakeSleep(&waits)

	_, err := e.Do(context.Background(), http.MethodGet, server.URL, Options{})
	require.NoError(t, err)
	require.Len(t, waits, 2)
	assert.Equal(t, 500*time.Millisecond, waits[0])
	assert.Equal(t, time.Second, waits[1])
}

func TestDoBackoffNonDecreasing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var waits []time.Duration
	e := New(WithMaxRetries(5))
	e.sleep = fakeSleep(&waits)

	resp, err := e.Do(context.Background(), http.MethodGet, server.URL, Options{})
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, waits, 5)
	for i := 1; i < len(waits); i++ {
		assert.GreaterOrEqual(t, waits[i], waits[i-1])
	}
}

func TestDoTransportErrorSurfacesTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	var waits []time.Duration
	e := New()
	e.sleep = fakeSleep(&waits)

	_, err := e.Do(context.Background(), http.MethodGet, server.URL, Options{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeTransport))
	assert.Len(t, waits, DefaultMaxRetries)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e := New()
	e.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := e.Do(ctx, http.MethodGet, server.URL, Options{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeCancelled))
}

func TestDoSendsQueryAndJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("wallet_address"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := New()
	resp, err := e.Do(context.Background(), http.MethodPost, server.URL, Options{
		Query: map[string][]string{"wallet_address": {"abc"}},
		Body:  map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	resp.Body.Close()
}
