package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/auth"
)

// rateLimitEntry tracks request timestamps for sliding window rate limiting.
type rateLimitEntry struct {
	requests []time.Time
}

// AuthHandler serves login, registration and API key management. Login and
// register are reachable without credentials, so they carry their own
// in-memory per-IP limiter independent of the Redis middleware.
type AuthHandler struct {
	auth            *auth.Service
	logger          *zap.Logger
	rateLimiter     map[string]*rateLimitEntry
	rateLimiterLock sync.RWMutex
}

// NewAuthHandler creates the auth handler and starts its limiter cleanup
// goroutine.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	h := &AuthHandler{
		auth:        svc,
		logger:      logger,
		rateLimiter: make(map[string]*rateLimitEntry),
	}
	go h.cleanupRateLimiter()
	return h
}

// cleanupRateLimiter periodically drops IPs with no recent attempts.
func (h *AuthHandler) cleanupRateLimiter() {
	ticker := time.NewTicker(5 * time.Minute)
	for range ticker.C {
		h.rateLimiterLock.Lock()
		now := time.Now()
		for ip, entry := range h.rateLimiter {
			if len(entry.requests) == 0 || now.Sub(entry.requests[len(entry.requests)-1]) > 5*time.Minute {
				delete(h.rateLimiter, ip)
			}
		}
		h.rateLimiterLock.Unlock()
	}
}

// CreateAPIKeyResponse returns the plaintext key exactly once.
type CreateAPIKeyResponse struct {
	APIKey  string       `json:"api_key"`
	Key     *auth.APIKey `json:"key"`
	Warning string       `json:"warning"`
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(getClientIP(r), 30) {
		sendError(w, http.StatusTooManyRequests, "too many registration attempts, try again later")
		return
	}

	var req auth.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Username == "" || req.Password == "" {
		sendError(w, http.StatusBadRequest, "email, username and password are required")
		return
	}
	if len(req.Password) < 8 {
		sendError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	user, err := h.auth.Register(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken), errors.Is(err, auth.ErrUsernameTaken):
			sendError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("Failed to register user",
				zap.String("email", req.Email),
				zap.Error(err))
			sendError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	sendJSON(w, http.StatusCreated, user)
}

// Login handles POST /auth/login. Unknown email and wrong password return
// the same 401 so the endpoint cannot be used to probe accounts.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(getClientIP(r), 30) {
		sendError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		sendError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	tokens, err := h.auth.Login(ctx, &req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			sendError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		h.logger.Error("Login failed", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "login failed")
		return
	}

	sendJSON(w, http.StatusOK, tokens)
}

// CreateKey handles POST /auth/apikeys.
func (h *AuthHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	userCtx, ok := h.keyManager(w, r)
	if !ok {
		return
	}

	var req auth.CreateAPIKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	plaintext, key, err := h.auth.CreateAPIKey(ctx, userCtx.UserID, &req)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownScope) {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to create api key",
			zap.String("user_id", userCtx.UserID.String()),
			zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	sendJSON(w, http.StatusCreated, CreateAPIKeyResponse{
		APIKey:  plaintext,
		Key:     key,
		Warning: "Store this API key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /auth/apikeys. Hashes never leave the service.
func (h *AuthHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	userCtx, ok := h.keyManager(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	keys, err := h.auth.ListAPIKeys(ctx, userCtx.UserID)
	if err != nil {
		h.logger.Error("Failed to list api keys",
			zap.String("user_id", userCtx.UserID.String()),
			zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// RevokeKey handles DELETE /auth/apikeys/{id}.
func (h *AuthHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	userCtx, ok := h.keyManager(w, r)
	if !ok {
		return
	}

	keyID, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.auth.RevokeAPIKey(ctx, userCtx.UserID, keyID); err != nil {
		if errors.Is(err, auth.ErrAPIKeyNotFound) {
			sendError(w, http.StatusNotFound, "api key not found")
			return
		}
		h.logger.Error("Failed to revoke api key",
			zap.String("key_id", keyID.String()),
			zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to revoke api key")
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"revoked": true,
	})
}

// keyManager authorizes key management. Interactive sessions always manage
// their own keys; API keys must carry apikeys:manage so a leaked limited
// key cannot mint broader ones.
func (h *AuthHandler) keyManager(w http.ResponseWriter, r *http.Request) (*auth.UserContext, bool) {
	userCtx, err := auth.GetUserContext(r.Context())
	if err != nil {
		sendError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if userCtx.IsAPIKey && !userCtx.HasScope(auth.ScopeAPIKeysManage) {
		sendError(w, http.StatusForbidden, "api key management requires the apikeys:manage scope")
		return nil, false
	}
	return userCtx, true
}

// getClientIP extracts the client address for the login limiter. Proxies
// append the real client to X-Forwarded-For, so the rightmost entry is the
// only one that cannot be spoofed.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[len(parts)-1])
		}
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func (h *AuthHandler) checkRateLimit(ip string, maxRequests int) bool {
	h.rateLimiterLock.Lock()
	defer h.rateLimiterLock.Unlock()

	now := time.Now()
	windowStart := now.Add(-60 * time.Second)

	entry, exists := h.rateLimiter[ip]
	if !exists {
		entry = &rateLimitEntry{requests: make([]time.Time, 0, maxRequests)}
		h.rateLimiter[ip] = entry
	}

	valid := make([]time.Time, 0, len(entry.requests))
	for _, t := range entry.requests {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	entry.requests = valid

	if len(entry.requests) >= maxRequests {
		return false
	}

	entry.requests = append(entry.requests, now)
	return true
}
