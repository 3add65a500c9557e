package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/auth"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return rdb, mr
}

// authedRequest builds a request carrying an authenticated identity, the
// way the auth middleware leaves it for everything downstream.
func authedRequest(method, target string, userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), auth.UserContextKey, &auth.UserContext{
		UserID:   userID,
		Username: "tester",
		Role:     auth.RoleUser,
		Scopes:   []string{auth.ScopeAgentsRead, auth.ScopeAgentsWrite},
	})
	return req.WithContext(ctx)
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rdb, _ := newRedisClient(t)
	rl := NewRateLimiter(rdb, 5, zaptest.NewLogger(t))

	calls := 0
	handler := rl.Middleware(okHandler(&calls))
	userID := uuid.New()

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, authedRequest(http.MethodGet, "/api/v1/agents", userID))
		if last.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, last.Code)
		}
	}

	if calls != 5 {
		t.Errorf("expected 5 handler invocations, got %d", calls)
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("expected X-RateLimit-Limit 5, got %q", got)
	}
	if got := last.Header().Get("X-RateLimit-Remaining"); got == "" {
		t.Error("expected X-RateLimit-Remaining header")
	}
	if got := last.Header().Get("X-RateLimit-Reset"); got == "" {
		t.Error("expected X-RateLimit-Reset header")
	} else if _, err := strconv.ParseInt(got, 10, 64); err != nil {
		t.Errorf("X-RateLimit-Reset %q is not a unix timestamp: %v", got, err)
	}
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	rdb, _ := newRedisClient(t)
	rl := NewRateLimiter(rdb, 2, zaptest.NewLogger(t))

	calls := 0
	handler := rl.Middleware(okHandler(&calls))
	userID := uuid.New()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/agents", userID))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/agents", userID))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", rec.Code)
	}
	if calls != 2 {
		t.Errorf("blocked request reached the handler, calls = %d", calls)
	}
	if got := rec.Header().Get("Retry-After"); got == "" {
		t.Error("expected Retry-After header on 429")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode 429 body: %v", err)
	}
	if body["error"] != "rate limit exceeded, retry after the window resets" {
		t.Errorf("unexpected error body: %q", body["error"])
	}
}

func TestRateLimiterIsolatesUsers(t *testing.T) {
	rdb, _ := newRedisClient(t)
	rl := NewRateLimiter(rdb, 1, zaptest.NewLogger(t))

	calls := 0
	handler := rl.Middleware(okHandler(&calls))
	alice := uuid.New()
	bob := uuid.New()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/agents", alice))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/agents", alice))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request by the same user: expected 429, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/agents", bob))
	if rec.Code != http.StatusOK {
		t.Errorf("another user's window is shared: got %d", rec.Code)
	}
}

func TestRateLimiterSkipsAnonymousRequests(t *testing.T) {
	rdb, _ := newRedisClient(t)
	rl := NewRateLimiter(rdb, 1, zaptest.NewLogger(t))

	calls := 0
	handler := rl.Middleware(okHandler(&calls))

	// No identity in context; the auth middleware handles rejection, the
	// limiter just stands aside.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("anonymous request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "" {
			t.Errorf("anonymous request carries rate limit headers: %q", got)
		}
	}
	if calls != 3 {
		t.Errorf("expected 3 handler invocations, got %d", calls)
	}
}

func TestRateLimiterFailsOpenWhenRedisDown(t *testing.T) {
	rdb, mr := newRedisClient(t)
	rl := NewRateLimiter(rdb, 1, zaptest.NewLogger(t))

	calls := 0
	handler := rl.Middleware(okHandler(&calls))
	userID := uuid.New()

	mr.Close()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/agents", userID))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d with redis down: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
			t.Errorf("fail-open should report the full limit remaining, got %q", got)
		}
	}
	if calls != 3 {
		t.Errorf("expected 3 handler invocations, got %d", calls)
	}
}

func TestNewRateLimiterDefaultsLimit(t *testing.T) {
	rdb, _ := newRedisClient(t)

	rl := NewRateLimiter(rdb, 0, zaptest.NewLogger(t))
	if rl.requestsPerMinute != 60 {
		t.Errorf("expected default of 60 requests per minute, got %d", rl.requestsPerMinute)
	}

	rl = NewRateLimiter(rdb, -10, zaptest.NewLogger(t))
	if rl.requestsPerMinute != 60 {
		t.Errorf("expected negative limit to fall back to 60, got %d", rl.requestsPerMinute)
	}
}
