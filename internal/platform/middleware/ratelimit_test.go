package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/doctrust/internal/platform/auth"
)

type limitedClient struct {
	e       *echo.Echo
	handler echo.HandlerFunc
}

func newLimitedClient(cfg RateLimitConfig) *limitedClient {
	return &limitedClient{
		e: echo.New(),
		handler: RateLimit(cfg)(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		}),
	}
}

// sign posts to the public sign endpoint from ip, optionally as user.
func (lc *limitedClient) sign(ip, user string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/api/signature-requests/req-1/sign", nil)
	req.Header.Set(echo.HeaderXRealIP, ip)
	if user != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, user))
	}
	rec := httptest.NewRecorder()
	return rec, lc.handler(lc.e.NewContext(req, rec))
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	lc := newLimitedClient(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})

	for i := 1; i <= 3; i++ {
		rec, err := lc.sign("198.51.100.1", "")
		if err != nil {
			t.Fatalf("request %d within burst: %v", i, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "1" {
			t.Errorf("X-RateLimit-Limit = %q", got)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(3-i) {
			t.Errorf("request %d: X-RateLimit-Remaining = %q", i, got)
		}
	}

	rec, err := lc.sign("198.51.100.1", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if body, ok := httpErr.Message.(errorBody); !ok || body.Code != "rate_limited" {
		t.Errorf("unexpected error body %#v", httpErr.Message)
	}
	if retry, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || retry < 1 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_RejectedRequestsDoNotConsumeTokens(t *testing.T) {
	lc := newLimitedClient(RateLimitConfig{RequestsPerSecond: 20, BurstSize: 1})

	if _, err := lc.sign("198.51.100.1", ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := lc.sign("198.51.100.1", ""); err == nil {
			t.Fatal("expected the bucket to be empty")
		}
	}
	// One token refills after 50ms; cancelled reservations must not have
	// borrowed against it.
	time.Sleep(80 * time.Millisecond)
	if _, err := lc.sign("198.51.100.1", ""); err != nil {
		t.Fatalf("expected a refilled token: %v", err)
	}
}

func TestRateLimit_KeyedByIP(t *testing.T) {
	lc := newLimitedClient(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := lc.sign("198.51.100.1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := lc.sign("198.51.100.1", ""); err == nil {
		t.Fatal("second request from the same IP should be limited")
	}
	if _, err := lc.sign("198.51.100.2", ""); err != nil {
		t.Fatalf("another IP has its own bucket: %v", err)
	}
}

func TestRateLimit_AuthenticatedUsersBehindOneIP(t *testing.T) {
	lc := newLimitedClient(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	const office = "203.0.113.7"

	if _, err := lc.sign(office, "clerk-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := lc.sign(office, "clerk-2"); err != nil {
		t.Fatalf("clerk-2 shares the office IP but not the bucket: %v", err)
	}
	if _, err := lc.sign(office, "clerk-1"); err == nil {
		t.Fatal("clerk-1 should be limited")
	}
	if _, err := lc.sign(office, ""); err != nil {
		t.Fatalf("anonymous callers use the IP bucket: %v", err)
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 || cfg.IdleTTL != 10*time.Minute {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestRateLimiterStore_OneLimiterPerKey(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	first := store.limiter("198.51.100.1")
	if store.limiter("198.51.100.1") != first {
		t.Error("same key must reuse its limiter")
	}
	if store.limiter("198.51.100.2") == first {
		t.Error("different keys must not share a limiter")
	}
}

func TestRateLimiterStore_SweepsIdleVisitors(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5, IdleTTL: time.Minute})
	store.now = func() time.Time { return now }

	store.limiter("idle")
	store.limiter("busy")

	now = now.Add(50 * time.Second)
	store.limiter("busy")

	now = now.Add(70 * time.Second)
	store.limiter("busy")

	if got := store.size(); got != 1 {
		t.Errorf("expected idle visitor to be swept, %d remain", got)
	}
}
