package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/db"
)

func trackerRoot(result string) *db.Agent {
	res := result
	return &db.Agent{
		ID:         uuid.New(),
		Role:       "triage",
		Status:     db.AgentStatusCompleted,
		TokensUsed: 1234,
		Result:     &res,
		Metadata:   db.JSONB{MetaIssueID: "TRK-42", MetaEvent: "issue_opened"},
	}
}

func TestNotifier_IgnoresNonTrackerAgents(t *testing.T) {
	n := NewNotifier(Config{PostbackURL: "http://127.0.0.1:1/postback"}, zaptest.NewLogger(t))
	ctx := context.Background()

	parentID := uuid.New()
	child := trackerRoot("child result")
	child.ParentID = &parentID
	n.HandleAgentTerminal(ctx, child)

	plainRoot := &db.Agent{ID: uuid.New(), Status: db.AgentStatusCompleted}
	n.HandleAgentTerminal(ctx, plainRoot)

	if got := len(n.queue); got != 0 {
		t.Errorf("expected no queued postbacks, got %d", got)
	}
}

func TestNotifier_PostsRootTerminal(t *testing.T) {
	type captured struct {
		pb   Postback
		auth string
	}
	received := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pb Postback
		if err := json.NewDecoder(r.Body).Decode(&pb); err != nil {
			t.Errorf("failed to decode postback: %v", err)
		}
		received <- captured{pb: pb, auth: r.Header.Get("Authorization")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{
		PostbackURL:   srv.URL,
		PostbackToken: "tok",
		RatePerSecond: 1000,
		RateBurst:     100,
	}, zaptest.NewLogger(t))
	n.Start()
	defer n.Stop()

	agent := trackerRoot("all nodes healthy")
	n.HandleAgentTerminal(context.Background(), agent)

	select {
	case got := <-received:
		if got.pb.AgentID != agent.ID.String() {
			t.Errorf("expected agent id %s, got %s", agent.ID, got.pb.AgentID)
		}
		if got.pb.IssueID != "TRK-42" {
			t.Errorf("expected issue TRK-42, got %s", got.pb.IssueID)
		}
		if got.pb.Status != db.AgentStatusCompleted {
			t.Errorf("expected completed status, got %s", got.pb.Status)
		}
		if got.pb.TokensUsed != 1234 {
			t.Errorf("expected 1234 tokens, got %d", got.pb.TokensUsed)
		}
		if got.pb.Result != "all nodes healthy" {
			t.Errorf("unexpected result: %q", got.pb.Result)
		}
		if got.auth != "Bearer tok" {
			t.Errorf("expected bearer auth, got %q", got.auth)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the postback")
	}
}

func TestNotifier_RetriesThenDelivers(t *testing.T) {
	var calls atomic.Int32
	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		delivered <- struct{}{}
	}))
	defer srv.Close()

	n := NewNotifier(Config{
		PostbackURL:   srv.URL,
		RatePerSecond: 1000,
		RateBurst:     100,
		MaxAttempts:   3,
	}, zaptest.NewLogger(t))
	n.Start()
	defer n.Stop()

	n.HandleAgentTerminal(context.Background(), trackerRoot("r"))

	select {
	case <-delivered:
		if got := calls.Load(); got != 2 {
			t.Errorf("expected 2 attempts, got %d", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the retried postback")
	}
}

func TestNotifier_QueueFullDrops(t *testing.T) {
	// No worker running, so the first postback fills the queue and the
	// second must be dropped rather than block the terminal hook.
	n := NewNotifier(Config{PostbackURL: "http://127.0.0.1:1/postback", QueueSize: 1}, zaptest.NewLogger(t))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		n.HandleAgentTerminal(ctx, trackerRoot("first"))
		n.HandleAgentTerminal(ctx, trackerRoot("second"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleAgentTerminal blocked on a full queue")
	}
	if got := len(n.queue); got != 1 {
		t.Errorf("expected 1 queued postback, got %d", got)
	}
}

func TestNotifier_TruncatesLongResult(t *testing.T) {
	n := NewNotifier(Config{PostbackURL: "http://127.0.0.1:1/postback"}, zaptest.NewLogger(t))
	n.HandleAgentTerminal(context.Background(), trackerRoot(strings.Repeat("x", maxPostbackResult*2)))

	select {
	case pb := <-n.queue:
		if len(pb.Result) != maxPostbackResult {
			t.Errorf("expected the result cut to %d bytes, got %d", maxPostbackResult, len(pb.Result))
		}
	default:
		t.Fatal("expected a queued postback")
	}
}
