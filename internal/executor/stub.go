package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Stub is a deterministic executor for tests and local runs. Token counts
// derive from the task text alone, so identical inputs always charge
// identical budgets. A task shorter than its budget stays under it; a tiny
// budget with a long task produces an honest overage, which the dispatcher
// charges in full.
type Stub struct {
	// FailSubstring fails any task containing it. Input tokens are still
	// charged; failed work is not free.
	FailSubstring string
	// Latency is the reported duration per call.
	Latency time.Duration
}

// Execute implements Invoker.
func (s *Stub) Execute(_ context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	result := s.run(req)
	return result, nil
}

func (s *Stub) run(req ExecuteRequest) *ExecuteResult {
	inputTokens := len(req.Task)/4 + 1
	durationMs := s.Latency.Milliseconds()

	if s.FailSubstring != "" && strings.Contains(req.Task, s.FailSubstring) {
		return &ExecuteResult{
			OK:          false,
			Error:       fmt.Sprintf("task rejected: contains %q", s.FailSubstring),
			InputTokens: inputTokens,
			DurationMs:  durationMs,
		}
	}

	summary := req.Task
	if len(summary) > 48 {
		summary = summary[:48]
	}
	output, _ := json.Marshal(map[string]string{
		"status":  "done",
		"summary": "handled: " + summary,
	})

	return &ExecuteResult{
		OK:           true,
		Output:       string(output),
		InputTokens:  inputTokens,
		OutputTokens: inputTokens/2 + 1,
		DurationMs:   durationMs,
	}
}

// Handler serves the executor HTTP contract from the stub, so local runs can
// point the real client at it.
func (s *Stub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.run(req))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
