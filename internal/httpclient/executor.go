package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
	"github.com/Checker-Finance/instrument-catalog/internal/rate"
)

// RetryPolicy bounds the retry loop. Retries is the number of attempts after the
// first one; sleeps grow from InitialBackoff by Multiplier (2s, 4s, 8s by default).
type RetryPolicy struct {
	Retries        int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is three retries at 2s, 4s and 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:        3,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2,
		MaxBackoff:     30 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.Reset()
	return b
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Status)
}

// Retryable reports whether the status warrants another attempt.
func (e *StatusError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Executor performs rate-limited, retrying HTTP downloads.
type Executor struct {
	logger  *zap.Logger
	rateMgr *rate.Manager
	http    *http.Client
	policy  RetryPolicy
	tag     string
	sleep   func(time.Duration)
}

// New creates an Executor. rateMgr may be nil.
func New(logger *zap.Logger, rateMgr *rate.Manager, httpClient *http.Client, policy RetryPolicy, tag string) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	return &Executor{
		logger:  logger,
		rateMgr: rateMgr,
		http:    httpClient,
		policy:  policy,
		tag:     tag,
		sleep:   time.Sleep,
	}
}

// DoBytes executes req with retries and returns the full response body together
// with the number of attempts made. Request bodies are replayed through GetBody.
func (e *Executor) DoBytes(ctx context.Context, req *http.Request, rateLimitKey string) ([]byte, int, error) {
	if e.rateMgr != nil {
		if err := e.rateMgr.Wait(ctx, rateLimitKey); err != nil {
			return nil, 0, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	bo := e.policy.backOff()
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.policy.Retries; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			e.logger.Warn(e.tag+".retry_scheduled",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			metrics.FetchAttempts.WithLabelValues("retry").Inc()
			e.sleep(wait)
		}
		attempts++

		body, err := e.once(ctx, req)
		if err == nil {
			metrics.FetchAttempts.WithLabelValues("ok").Inc()
			return body, attempts, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			metrics.FetchAttempts.WithLabelValues("error").Inc()
			return nil, attempts, err
		}
	}

	metrics.FetchAttempts.WithLabelValues("error").Inc()
	return nil, attempts, fmt.Errorf("%s request failed after %d attempts: %w", e.tag, attempts, lastErr)
}

func (e *Executor) once(ctx context.Context, req *http.Request) ([]byte, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind body: %w", err)
		}
		r.Body = body
	}

	start := time.Now()
	resp, err := e.http.Do(r)
	if err != nil {
		e.logger.Warn(e.tag+".http_failed",
			zap.String("url", req.URL.Redacted()),
			zap.Error(err))
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		e.logger.Warn(e.tag+".bad_status",
			zap.Int("status", resp.StatusCode),
			zap.String("url", req.URL.Redacted()),
			zap.Duration("latency", time.Since(start)))
		return nil, &StatusError{Status: resp.StatusCode, URL: req.URL.Redacted()}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	e.logger.Debug(e.tag+".http_success",
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)))
	return body, nil
}
