package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimitedClient serializes generation calls through a token bucket.
// Waiting blocks the caller instead of failing, so a worker at the limit
// suspends rather than errors.
type rateLimitedClient struct {
	base    Client
	limiter *rate.Limiter
}

// WrapWithRateLimit wraps the client with a provider-level limiter when a
// positive limit is supplied. A burst less than 1 is coerced to 1.
func WrapWithRateLimit(client Client, limit rate.Limit, burst int) Client {
	if limit <= 0 {
		return client
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedClient{
		base:    client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *rateLimitedClient) Model() string {
	return c.base.Model()
}

func (c *rateLimitedClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.base.Stream(ctx, req)
}
