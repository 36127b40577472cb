package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedClient caps the rate of outbound model calls shared by
// every conversation. Waiting honours ctx cancellation.
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps next with a limit of perMinute calls per
// minute and a burst of the same size. A non-positive perMinute returns
// next unchanged.
func NewRateLimitedClient(next Client, perMinute int) Client {
	if perMinute <= 0 {
		return next
	}
	every := time.Minute / time.Duration(perMinute)
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(every), perMinute),
	}
}

// Chat waits for a token and forwards the call.
func (c *RateLimitedClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.next.Chat(ctx, model, messages, tools)
}

// Ping is not rate limited.
func (c *RateLimitedClient) Ping(ctx context.Context) error {
	return c.next.Ping(ctx)
}
