// Package request contains the retrying HTTP executor every outbound
// call in the module goes through, so the backoff policy is defined
// once and tested once.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/moltydex/x402-autopay/logger"
	"github.com/moltydex/x402-autopay/metrics"
	"github.com/moltydex/x402-autopay/types"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 1 * time.Second
	DefaultTimeout     = 30 * time.Second
)

// Options carries the per-request parameters.
type Options struct {
	Headers http.Header
	Query   url.Values

	// Body is JSON-encoded when non-nil.
	Body any

	// RawBody is sent verbatim when Body is nil.
	RawBody []byte
}

// Executor issues a single HTTP request with bounded retry and
// exponential backoff. Safe for concurrent use.
type Executor struct {
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	log         logger.Logger
	rec         metrics.Recorder

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

func WithMaxRetries(n int) Option {
	return func(e *Executor) { e.maxRetries = n }
}

func WithBackoffBase(d time.Duration) Option {
	return func(e *Executor) { e.backoffBase = d }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(e *Executor) { e.rec = r }
}

// New creates an Executor with bounded retries and a per-call timeout.
func New(opts ...Option) *Executor {
	e := &Executor{
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		log:         logger.NoopLogger{},
		rec:         metrics.NoopRecorder{},
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do performs the request, retrying on 429 (honoring Retry-After), on
// any 5xx, and on transport failures. After retries are exhausted the
// last response is returned for 429/5xx, while a transport failure
// surfaces as a typed error; the two must not be conflated.
func (e *Executor) Do(ctx context.Context, method, rawURL string, opts Options) (*http.Response, error) {
	bodyBytes := opts.RawBody
	if opts.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	target := rawURL
	if len(opts.Query) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
		}
		q := u.Query()
		for k, vs := range opts.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, vs := range opts.Headers {
			req.Header[k] = vs
		}
		if opts.Body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := e.client.Do(req)
		e.rec.ObserveLatency("http_request", time.Since(start), map[string]string{"outcome": outcomeOf(resp, err)})

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, types.NewError(types.ErrCodeCancelled, "request cancelled", ctx.Err())
			}
			if attempt < e.maxRetries {
				if serr := e.backoff(ctx, attempt, 0); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, types.NewError(types.ErrCodeTransport,
				fmt.Sprintf("%s %s failed after %d attempts", method, rawURL, attempt+1), lastErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt < e.maxRetries {
				drain(resp)
				if serr := e.backoff(ctx, attempt, retryAfter(resp)); serr != nil {
					return nil, serr
				}
				continue
			}
			return resp, nil
		case resp.StatusCode >= 500:
			if attempt < e.maxRetries {
				drain(resp)
				if serr := e.backoff(ctx, attempt, 0); serr != nil {
					return nil, serr
				}
				continue
			}
			return resp, nil
		default:
			return resp, nil
		}
	}

	// Unreachable: the loop always returns on its final attempt.
	return nil, types.NewError(types.ErrCodeTransport, "retries exhausted", lastErr)
}

// backoff waits backoffBase * 2^attempt, or the server-provided
// override when non-zero. The schedule is non-decreasing per attempt.
func (e *Executor) backoff(ctx context.Context, attempt int, override time.Duration) error {
	wait := e.backoffBase << uint(attempt)
	if override > 0 {
		wait = override
	}
	e.rec.IncCounter("http_retry", map[string]string{"outcome": "retry"})
	e.log.Debug("retrying request", map[string]any{
		"attempt": attempt + 1,
		"wait":    wait.String(),
	})
	if err := e.sleep(ctx, wait); err != nil {
		return types.NewError(types.ErrCodeCancelled, "retry wait aborted", err)
	}
	return nil
}

// retryAfter reads a literal seconds value from the Retry-After header.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func outcomeOf(resp *http.Response, err error) string {
	switch {
	case err != nil:
		return "transport_error"
	case resp.StatusCode >= 500:
		return "server_error"
	case resp.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "ok"
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
