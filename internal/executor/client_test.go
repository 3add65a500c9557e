package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestClient_ExecuteAgainstStub(t *testing.T) {
	stub := &Stub{}
	srv := httptest.NewServer(stub.Handler())
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL}, zaptest.NewLogger(t))
	result, err := client.Execute(context.Background(), ExecuteRequest{
		AgentID:     "a1",
		Task:        "summarize the quarterly report",
		TokenBudget: 1000,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected ok result, got error %q", result.Error)
	}
	if result.TokensUsed() <= 0 {
		t.Error("expected positive token usage")
	}

	// Same task, same accounting
	again, err := client.Execute(context.Background(), ExecuteRequest{
		AgentID:     "a2",
		Task:        "summarize the quarterly report",
		TokenBudget: 1000,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if again.TokensUsed() != result.TokensUsed() {
		t.Errorf("stub accounting must be deterministic: %d vs %d",
			again.TokensUsed(), result.TokensUsed())
	}
}

func TestClient_SendsContractFields(t *testing.T) {
	var got ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ExecuteResult{OK: true, InputTokens: 10, OutputTokens: 5})
	}))
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL, ModelHint: "small"}, zaptest.NewLogger(t))
	_, err := client.Execute(context.Background(), ExecuteRequest{
		AgentID:       "agent-7",
		Task:          "do the thing",
		WorkspacePath: "/ws/agent-7",
		TokenBudget:   500,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got.AgentID != "agent-7" || got.TokenBudget != 500 {
		t.Errorf("request fields not forwarded: %+v", got)
	}
	if got.ModelHint != "small" {
		t.Errorf("config model hint should fill empty request hint, got %q", got.ModelHint)
	}
}

func TestClient_AgentErrorIsNotClientError(t *testing.T) {
	stub := &Stub{FailSubstring: "forbidden"}
	srv := httptest.NewServer(stub.Handler())
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL}, zaptest.NewLogger(t))
	result, err := client.Execute(context.Background(), ExecuteRequest{
		AgentID:     "a1",
		Task:        "do the forbidden thing",
		TokenBudget: 100,
	})
	if err != nil {
		t.Fatalf("agent-level failure must not be a transport error: %v", err)
	}
	if result.OK {
		t.Fatal("expected ok=false")
	}
	if result.Error == "" {
		t.Error("expected an error message")
	}
	if result.InputTokens <= 0 {
		t.Error("failed work still charges input tokens")
	}
}

func TestClient_ServerErrorWrapsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL}, zaptest.NewLogger(t))
	_, err := client.Execute(context.Background(), ExecuteRequest{AgentID: "a1", Task: "t"})
	if !errors.Is(err, ErrExecutorFailed) {
		t.Fatalf("expected ErrExecutorFailed, got %v", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	client := NewClient(Config{Endpoint: "http://127.0.0.1:1"}, zaptest.NewLogger(t))
	_, err := client.Execute(context.Background(), ExecuteRequest{AgentID: "a1", Task: "t"})
	if !errors.Is(err, ErrExecutorFailed) {
		t.Fatalf("expected ErrExecutorFailed, got %v", err)
	}
}

func TestClient_Health(t *testing.T) {
	stub := &Stub{}
	srv := httptest.NewServer(stub.Handler())
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL}, zaptest.NewLogger(t))
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	bad := NewClient(Config{Endpoint: down.URL}, zaptest.NewLogger(t))
	if err := bad.Health(context.Background()); err == nil {
		t.Fatal("expected health failure")
	}
}

func TestStub_OutputIsJSON(t *testing.T) {
	stub := &Stub{}
	result, err := stub.Execute(context.Background(), ExecuteRequest{Task: "analyze the dataset"})
	if err != nil {
		t.Fatalf("stub failed: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(result.Output), &payload); err != nil {
		t.Fatalf("stub output should be a JSON object: %v", err)
	}
	if payload["status"] != "done" {
		t.Errorf("unexpected stub payload %v", payload)
	}
}
