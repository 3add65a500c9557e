package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/auth"
)

func idempotentPost(target, key, body string, userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, &auth.UserContext{
		UserID: userID,
		Scopes: []string{auth.ScopeAgentsWrite},
	})
	return req.WithContext(ctx)
}

func TestIdempotencyReplaysCachedResponse(t *testing.T) {
	rdb, _ := newRedisClient(t)
	im := NewIdempotencyMiddleware(rdb, zaptest.NewLogger(t))

	calls := 0
	handler := im.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, calls)
	}))
	userID := uuid.New()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idempotentPost("/api/v1/agents", "spawn-1", `{"role":"researcher"}`, userID))
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idempotentPost("/api/v1/agents", "spawn-1", `{"role":"researcher"}`, userID))
	if second.Code != http.StatusCreated {
		t.Fatalf("retry: expected cached 201, got %d", second.Code)
	}
	if calls != 1 {
		t.Errorf("retry re-executed the handler, calls = %d", calls)
	}
	if got := second.Body.String(); got != `{"call":1}` {
		t.Errorf("retry body should replay the original, got %q", got)
	}
	if got := second.Header().Get("X-Idempotency-Cached"); got != "true" {
		t.Errorf("expected X-Idempotency-Cached true, got %q", got)
	}
	if got := second.Header().Get("X-Idempotency-Key"); got != "spawn-1" {
		t.Errorf("expected X-Idempotency-Key spawn-1, got %q", got)
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("cached headers not replayed, Content-Type = %q", got)
	}
	if first.Header().Get("X-Idempotency-Cached") != "" {
		t.Error("first response should not be marked cached")
	}
}

func TestIdempotencyRejectsConcurrentDuplicate(t *testing.T) {
	rdb, _ := newRedisClient(t)
	im := NewIdempotencyMiddleware(rdb, zaptest.NewLogger(t))

	started := make(chan struct{})
	release := make(chan struct{})
	handler := im.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))
	userID := uuid.New()

	firstDone := make(chan struct{})
	first := httptest.NewRecorder()
	go func() {
		defer close(firstDone)
		handler.ServeHTTP(first, idempotentPost("/api/v1/messages", "send-7", `{}`, userID))
	}()
	<-started

	// Same key while the original is still executing.
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idempotentPost("/api/v1/messages", "send-7", `{}`, userID))
	if second.Code != http.StatusConflict {
		t.Errorf("expected 409 while in flight, got %d", second.Code)
	}
	if !strings.Contains(second.Body.String(), "still in flight") {
		t.Errorf("unexpected conflict body: %q", second.Body.String())
	}

	close(release)
	<-firstDone
	if first.Code != http.StatusCreated {
		t.Errorf("original request: expected 201, got %d", first.Code)
	}
}

func TestIdempotencyReleasesKeyOnFailure(t *testing.T) {
	rdb, _ := newRedisClient(t)
	im := NewIdempotencyMiddleware(rdb, zaptest.NewLogger(t))

	calls := 0
	handler := im.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	userID := uuid.New()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idempotentPost("/api/v1/agents", "spawn-2", `{}`, userID))
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("first request: expected 500, got %d", first.Code)
	}

	// The failure released the reservation, so the retry runs for real.
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idempotentPost("/api/v1/agents", "spawn-2", `{}`, userID))
	if second.Code != http.StatusCreated {
		t.Fatalf("retry after failure: expected 201, got %d", second.Code)
	}
	if calls != 2 {
		t.Errorf("expected 2 handler invocations, got %d", calls)
	}
	if second.Header().Get("X-Idempotency-Cached") != "" {
		t.Error("retry after failure should not be a cache replay")
	}
}

func TestIdempotencyScopesKeysToUser(t *testing.T) {
	rdb, _ := newRedisClient(t)
	im := NewIdempotencyMiddleware(rdb, zaptest.NewLogger(t))

	calls := 0
	handler := im.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, idempotentPost("/api/v1/agents", "shared-key", `{}`, uuid.New()))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first user: expected 201, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, idempotentPost("/api/v1/agents", "shared-key", `{}`, uuid.New()))
	if rec.Code != http.StatusCreated {
		t.Fatalf("second user: expected 201, got %d", rec.Code)
	}
	if rec.Header().Get("X-Idempotency-Cached") != "" {
		t.Error("another user's key replayed a cached response")
	}
	if calls != 2 {
		t.Errorf("expected both users to execute, calls = %d", calls)
	}
}

func TestIdempotencyIgnoresNonPostAndMissingKey(t *testing.T) {
	rdb, _ := newRedisClient(t)
	im := NewIdempotencyMiddleware(rdb, zaptest.NewLogger(t))

	calls := 0
	handler := im.Middleware(okHandler(&calls))
	userID := uuid.New()

	// GET with a key: passthrough, never cached.
	for i := 0; i < 2; i++ {
		req := authedRequest(http.MethodGet, "/api/v1/agents", userID)
		req.Header.Set("Idempotency-Key", "get-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %d: expected 200, got %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-Idempotency-Cached") != "" {
			t.Error("GET should never be served from cache")
		}
	}

	// POST without a key: every request executes.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, idempotentPost("/api/v1/agents", "", `{}`, userID))
		if rec.Code != http.StatusOK {
			t.Fatalf("keyless POST %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	if calls != 4 {
		t.Errorf("expected 4 handler invocations, got %d", calls)
	}
}

func TestIdempotencyFailsOpenWhenRedisDown(t *testing.T) {
	rdb, mr := newRedisClient(t)
	im := NewIdempotencyMiddleware(rdb, zaptest.NewLogger(t))

	calls := 0
	handler := im.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))
	userID := uuid.New()

	mr.Close()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, idempotentPost("/api/v1/agents", "spawn-3", `{}`, userID))
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d with redis down: expected 201, got %d", i+1, rec.Code)
		}
	}
	if calls != 2 {
		t.Errorf("expected requests to execute without redis, calls = %d", calls)
	}
}
