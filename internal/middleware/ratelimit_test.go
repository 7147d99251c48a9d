package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

// fakeSharedLimiter counts calls in-process the way the Redis-backed limiter
// counts them in shared storage.
type fakeSharedLimiter struct {
	count   int64
	err     error
	lastKey string
}

func (f *fakeSharedLimiter) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (int64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	f.lastKey = key
	f.count++
	remaining := limit - f.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, f.count > limit, nil
}

func newLimitedApp(shared SharedRateLimiter, max int) *fiber.App {
	app := fiber.New()
	app.Use(WebSocketRateLimiter(&RateLimitConfig{
		WebSocketMax:        max,
		WebSocketExpiration: time.Minute,
	}, shared))
	app.Get("/ws/session", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestWebSocketRateLimiterShared(t *testing.T) {
	fake := &fakeSharedLimiter{}
	app := newLimitedApp(fake, 3)

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/ws/session", nil))
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, resp.StatusCode, fiber.StatusOK)
		}
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/ws/session", nil))
	if err != nil {
		t.Fatalf("over-limit request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want %d", resp.StatusCode, fiber.StatusTooManyRequests)
	}
	if !strings.HasPrefix(fake.lastKey, "ws_rate:") {
		t.Errorf("shared key = %q, want ws_rate: prefix", fake.lastKey)
	}
}

func TestWebSocketRateLimiterSharedFailOpen(t *testing.T) {
	fake := &fakeSharedLimiter{err: errors.New("connection refused")}
	app := newLimitedApp(fake, 1)

	// A shared-store outage must not lock everyone out.
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/ws/session", nil))
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, resp.StatusCode, fiber.StatusOK)
		}
	}
}

func TestWebSocketRateLimiterInMemoryFallback(t *testing.T) {
	app := newLimitedApp(nil, 2)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/ws/session", nil))
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, resp.StatusCode, fiber.StatusOK)
		}
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/ws/session", nil))
	if err != nil {
		t.Fatalf("over-limit request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want %d", resp.StatusCode, fiber.StatusTooManyRequests)
	}
}
