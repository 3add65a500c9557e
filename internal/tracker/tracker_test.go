package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/policy"
)

type fakeSpawner struct {
	mu   sync.Mutex
	err  error
	reqs []lifecycle.SpawnRequest
}

func (f *fakeSpawner) Spawn(ctx context.Context, req lifecycle.SpawnRequest) (*db.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &db.Agent{ID: uuid.New(), Role: req.Role, Task: req.Task, Status: db.AgentStatusPending}, nil
}

func (f *fakeSpawner) requests() []lifecycle.SpawnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]lifecycle.SpawnRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func triageRules() []SpawnRule {
	return []SpawnRule{
		{
			EventType:    "issue_opened",
			Label:        "urgent",
			Role:         "firefighter",
			TaskTemplate: "Handle urgent issue {ISSUE_ID}: {TITLE}",
			Budget:       20000,
		},
		{
			EventType:    "issue_opened",
			Role:         "triage",
			TaskTemplate: "Triage: {TITLE}\n\n{BODY}",
			Budget:       8000,
			ModelHint:    "small-fast",
		},
	}
}

func TestHandleEvent_MatchSpawnsRoot(t *testing.T) {
	spawner := &fakeSpawner{}
	svc := NewService(spawner, triageRules(), zaptest.NewLogger(t))

	agent, matched, err := svc.HandleEvent(context.Background(), Event{
		Type:    "issue_opened",
		IssueID: "TRK-12",
		Title:   "Crash on boot",
		Body:    "stack trace attached",
	})
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if !matched || agent == nil {
		t.Fatal("expected a rule match and a spawned agent")
	}

	reqs := spawner.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 spawn, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Role != "triage" {
		t.Errorf("expected triage role, got %s", req.Role)
	}
	if req.Task != "Triage: Crash on boot\n\nstack trace attached" {
		t.Errorf("unexpected task: %q", req.Task)
	}
	if req.Budget != 8000 || req.ModelHint != "small-fast" {
		t.Errorf("unexpected budget/model: %d/%s", req.Budget, req.ModelHint)
	}
	if req.ParentID != nil {
		t.Error("tracker spawns must be roots")
	}
	if req.Source != "tracker" {
		t.Errorf("expected source tracker, got %q", req.Source)
	}
	if req.Metadata[MetaIssueID] != "TRK-12" || req.Metadata[MetaEvent] != "issue_opened" {
		t.Errorf("unexpected metadata: %v", req.Metadata)
	}
}

func TestHandleEvent_LabelFilterAndOrder(t *testing.T) {
	spawner := &fakeSpawner{}
	svc := NewService(spawner, triageRules(), zaptest.NewLogger(t))
	ctx := context.Background()

	_, matched, err := svc.HandleEvent(ctx, Event{
		Type:    "issue_opened",
		IssueID: "TRK-1",
		Title:   "Prod down",
		Labels:  []string{"urgent", "prod"},
	})
	if err != nil || !matched {
		t.Fatalf("expected match, got matched=%v err=%v", matched, err)
	}

	_, matched, err = svc.HandleEvent(ctx, Event{
		Type:    "issue_opened",
		IssueID: "TRK-2",
		Title:   "Typo in docs",
	})
	if err != nil || !matched {
		t.Fatalf("expected match, got matched=%v err=%v", matched, err)
	}

	reqs := spawner.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 spawns, got %d", len(reqs))
	}
	if reqs[0].Role != "firefighter" {
		t.Errorf("labeled event should hit the labeled rule first, got %s", reqs[0].Role)
	}
	if reqs[1].Role != "triage" {
		t.Errorf("unlabeled event should fall through to the catch-all, got %s", reqs[1].Role)
	}
}

func TestHandleEvent_NoMatch(t *testing.T) {
	spawner := &fakeSpawner{}
	svc := NewService(spawner, triageRules(), zaptest.NewLogger(t))

	agent, matched, err := svc.HandleEvent(context.Background(), Event{
		Type:    "comment_added",
		IssueID: "TRK-3",
	})
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if matched || agent != nil {
		t.Error("expected no match for an unconfigured event type")
	}
	if len(spawner.requests()) != 0 {
		t.Error("expected no spawn attempts")
	}
}

func TestHandleEvent_SpawnErrorPropagates(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("store unavailable")}
	svc := NewService(spawner, triageRules(), zaptest.NewLogger(t))

	_, matched, err := svc.HandleEvent(context.Background(), Event{
		Type:    "issue_opened",
		IssueID: "TRK-4",
		Title:   "t",
	})
	if !matched {
		t.Error("the rule still matched")
	}
	if err == nil || !strings.Contains(err.Error(), "store unavailable") {
		t.Fatalf("expected the spawn error wrapped, got %v", err)
	}
}

// --- webhook handler ---

func newWebhookMux(t *testing.T, spawner *fakeSpawner, token string, maxBody int64) *http.ServeMux {
	t.Helper()
	svc := NewService(spawner, triageRules(), zaptest.NewLogger(t))
	h := NewWebhookHandler(svc, token, maxBody, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func postEvent(mux *http.ServeMux, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	mux := newWebhookMux(t, &fakeSpawner{}, "", 0)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/tracker", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestWebhook_BearerToken(t *testing.T) {
	mux := newWebhookMux(t, &fakeSpawner{}, "hook-secret", 0)

	rec := postEvent(mux, "", []byte(`{"type":"issue_opened","title":"x"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	rec = postEvent(mux, "wrong", []byte(`{"type":"issue_opened","title":"x"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rec.Code)
	}

	rec = postEvent(mux, "hook-secret", []byte(`{"type":"issue_opened","issue_id":"TRK-7","title":"x"}`))
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 with the right token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_InvalidPayloads(t *testing.T) {
	mux := newWebhookMux(t, &fakeSpawner{}, "", 0)

	if rec := postEvent(mux, "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty body, got %d", rec.Code)
	}
	if rec := postEvent(mux, "", []byte("{not json")); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid json, got %d", rec.Code)
	}
	if rec := postEvent(mux, "", []byte(`{"issue_id":"TRK-8"}`)); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a missing type, got %d", rec.Code)
	}
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	mux := newWebhookMux(t, &fakeSpawner{}, "", 64)
	big := fmt.Sprintf(`{"type":"issue_opened","title":%q}`, strings.Repeat("a", 200))
	if rec := postEvent(mux, "", []byte(big)); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an oversized body, got %d", rec.Code)
	}
}

func TestWebhook_IgnoredEvent(t *testing.T) {
	spawner := &fakeSpawner{}
	mux := newWebhookMux(t, spawner, "", 0)

	rec := postEvent(mux, "", []byte(`{"type":"comment_added","issue_id":"TRK-9"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an unmatched event, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Errorf("expected ignored status, got %v", resp)
	}
	if len(spawner.requests()) != 0 {
		t.Error("unmatched event must not spawn")
	}
}

func TestWebhook_SpawnedEvent(t *testing.T) {
	spawner := &fakeSpawner{}
	mux := newWebhookMux(t, spawner, "", 0)

	rec := postEvent(mux, "", []byte(`{"type":"issue_opened","issue_id":"TRK-10","title":"Flaky test","body":"see CI"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "spawned" {
		t.Errorf("expected spawned status, got %v", resp)
	}
	if _, err := uuid.Parse(resp["agent_id"]); err != nil {
		t.Errorf("expected a valid agent id, got %q", resp["agent_id"])
	}
}

func TestWebhook_PolicyDenial(t *testing.T) {
	spawner := &fakeSpawner{err: fmt.Errorf("%w: depth 3 beyond limit", policy.ErrSpawnDenied)}
	mux := newWebhookMux(t, spawner, "", 0)

	rec := postEvent(mux, "", []byte(`{"type":"issue_opened","issue_id":"TRK-11","title":"x"}`))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a policy denial, got %d", rec.Code)
	}
}

func TestWebhook_SpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("store unavailable")}
	mux := newWebhookMux(t, spawner, "", 0)

	rec := postEvent(mux, "", []byte(`{"type":"issue_opened","issue_id":"TRK-12","title":"x"}`))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for a spawn failure, got %d", rec.Code)
	}
}
