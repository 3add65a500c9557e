package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
)

// ValidationMiddleware rejects malformed query and path parameters before
// they reach the handlers.
type ValidationMiddleware struct {
	logger *zap.Logger
}

func NewValidationMiddleware(logger *zap.Logger) *ValidationMiddleware {
	return &ValidationMiddleware{logger: logger}
}

func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		// Validate by route. Keep this minimal and fast.
		switch {
		case method == http.MethodGet && path == "/api/v1/agents":
			if !vm.validatePagination(w, r, 1, 500) {
				return
			}
			if !vm.validateOptionalStatus(w, r, allowedAgentStatuses) {
				return
			}
			if !vm.validateOptionalUUID(w, r, "parent_id") {
				return
			}
			if !vm.validateOptionalBool(w, r, "root_only") {
				return
			}

		case strings.HasPrefix(path, "/api/v1/agents/"):
			if !vm.validatePathUUID(w, r) {
				return
			}

		case method == http.MethodGet && path == "/api/v1/templates":
			if !vm.validateOptionalBool(w, r, "enabled") {
				return
			}

		case strings.HasPrefix(path, "/api/v1/templates/"):
			if !vm.validatePathUUID(w, r) {
				return
			}

		case method == http.MethodGet && path == "/api/v1/workflows":
			if !vm.validatePagination(w, r, 1, 200) {
				return
			}
			if !vm.validateOptionalStatus(w, r, allowedGraphStatuses) {
				return
			}

		case strings.HasPrefix(path, "/api/v1/workflows/"):
			if !vm.validatePathUUID(w, r) {
				return
			}

		case method == http.MethodDelete && strings.HasPrefix(path, "/auth/apikeys/"):
			if !vm.validatePathUUID(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

var allowedAgentStatuses = map[string]struct{}{
	db.AgentStatusPending:    {},
	db.AgentStatusExecuting:  {},
	db.AgentStatusCompleted:  {},
	db.AgentStatusFailed:     {},
	db.AgentStatusTerminated: {},
}

var allowedGraphStatuses = map[string]struct{}{
	db.GraphStatusActive:    {},
	db.GraphStatusPaused:    {},
	db.GraphStatusCompleted: {},
	db.GraphStatusFailed:    {},
}

func (vm *ValidationMiddleware) validatePathUUID(w http.ResponseWriter, r *http.Request) bool {
	id := r.PathValue("id")
	if id == "" {
		// Route carries no id segment, nothing to check.
		return true
	}
	if _, err := uuid.Parse(id); err != nil {
		vm.sendBadRequest(w, "Invalid ID format")
		return false
	}
	return true
}

func (vm *ValidationMiddleware) validatePagination(w http.ResponseWriter, r *http.Request, minLimit, maxLimit int) bool {
	q := r.URL.Query()
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < minLimit || n > maxLimit {
			vm.sendBadRequest(w, "Invalid limit parameter")
			return false
		}
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			vm.sendBadRequest(w, "Invalid offset parameter")
			return false
		}
	}
	return true
}

// validateOptionalStatus requires the exact stored form; statuses are
// lowercase in the database and the filter matches verbatim.
func (vm *ValidationMiddleware) validateOptionalStatus(w http.ResponseWriter, r *http.Request, allowed map[string]struct{}) bool {
	s := r.URL.Query().Get("status")
	if s == "" {
		return true
	}
	if _, ok := allowed[s]; !ok {
		vm.sendBadRequest(w, "Invalid status value")
		return false
	}
	return true
}

func (vm *ValidationMiddleware) validateOptionalUUID(w http.ResponseWriter, r *http.Request, param string) bool {
	v := r.URL.Query().Get(param)
	if v == "" {
		return true
	}
	if _, err := uuid.Parse(v); err != nil {
		vm.sendBadRequest(w, "Invalid "+param+" format")
		return false
	}
	return true
}

func (vm *ValidationMiddleware) validateOptionalBool(w http.ResponseWriter, r *http.Request, param string) bool {
	v := r.URL.Query().Get(param)
	if v == "" || v == "true" || v == "false" {
		return true
	}
	vm.sendBadRequest(w, "Invalid "+param+" value")
	return false
}

func (vm *ValidationMiddleware) sendBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
