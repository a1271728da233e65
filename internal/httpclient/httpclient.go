// Package httpclient builds the outbound HTTP clients used to reach LLM and
// embedding endpoints: request logging, circuit breaking, and response size
// limits.
package httpclient

import (
	"fmt"
	"net/http"
	"time"

	emberrors "ember/internal/errors"
	"ember/internal/logging"
)

// New builds an HTTP client with request logging.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &loggingRoundTripper{
			base:   http.DefaultTransport,
			logger: logging.OrNop(logger),
		},
	}
}

// NewWithBreaker builds an HTTP client guarded by a circuit breaker. After
// repeated failures against the endpoint the breaker refuses calls for a
// cooldown, surfacing a transient error the retry layer backs off on.
func NewWithBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return NewWithBreakerConfig(timeout, logger, name, emberrors.DefaultCircuitBreakerConfig())
}

// NewWithBreakerConfig is NewWithBreaker with explicit breaker tuning.
func NewWithBreakerConfig(timeout time.Duration, logger logging.Logger, name string, cfg emberrors.CircuitBreakerConfig) *http.Client {
	client := New(timeout, logger)
	client.Transport = WrapTransportWithBreaker(client.Transport, name, cfg)
	return client
}

type loggingRoundTripper struct {
	base   http.RoundTripper
	logger logging.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("http: %s %s failed after %s: %v", req.Method, req.URL, time.Since(start), err)
		return nil, err
	}
	t.logger.Debug("http: %s %s -> %d in %s", req.Method, req.URL, resp.StatusCode, time.Since(start))
	return resp, nil
}

func errStatus(code int) error {
	return fmt.Errorf("http status %d", code)
}

// WrapTransportWithBreaker wraps a transport with circuit breaker
// protection. Transport errors, 5xx responses, and 429s count as failures.
func WrapTransportWithBreaker(base http.RoundTripper, name string, cfg emberrors.CircuitBreakerConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &breakerRoundTripper{
		base:    base,
		breaker: emberrors.NewCircuitBreaker(name, cfg),
	}
}

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *emberrors.CircuitBreaker
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if req.Context().Err() != nil {
			// Caller cancellation says nothing about endpoint health.
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		t.breaker.Mark(&emberrors.TransientError{
			Err:        errStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
		})
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}
