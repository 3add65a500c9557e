package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ContextKey is the key type for request context values.
type ContextKey string

// UserContextKey holds the authenticated *UserContext.
const UserContextKey ContextKey = "user"

// Middleware authenticates gateway requests via bearer JWT or X-API-Key.
type Middleware struct {
	service  *Service
	skipAuth bool
}

// NewMiddleware creates the authentication middleware. skipAuth replaces
// authentication with a fixed owner identity for local development.
func NewMiddleware(service *Service, skipAuth bool) *Middleware {
	return &Middleware{service: service, skipAuth: skipAuth}
}

// Handler wraps next with authentication. Unauthenticated requests get a
// JSON 401 and never reach next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, devContext())
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			token, err := ExtractBearerToken(authHeader)
			if err != nil {
				unauthorized(w, "invalid authorization header")
				return
			}
			userCtx, err := m.service.JWT().ValidateAccessToken(token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			userCtx, err := m.service.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				unauthorized(w, "invalid api key")
				return
			}
			ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		unauthorized(w, "authentication required")
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}

// devContext is the identity used when authentication is disabled.
func devContext() *UserContext {
	return &UserContext{
		UserID:    uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Username:  "dev",
		Email:     "dev@drover.local",
		Role:      RoleOwner,
		Scopes:    scopesForRole(RoleOwner),
		TokenType: "dev",
	}
}

// GetUserContext extracts the authenticated identity from a context.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return userCtx, nil
}

// RequireScopes verifies the caller holds every listed scope.
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	userCtx, err := GetUserContext(ctx)
	if err != nil {
		return err
	}
	for _, required := range requiredScopes {
		if !userCtx.HasScope(required) {
			return fmt.Errorf("%w: %s", ErrMissingScope, required)
		}
	}
	return nil
}
