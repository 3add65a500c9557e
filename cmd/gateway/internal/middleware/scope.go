package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/droverhq/drover/internal/auth"
)

// RequireScope guards a route with an authorization scope. Unauthenticated
// requests get 401; authenticated callers missing the scope get 403.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequireScopes(r.Context(), scope); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, auth.ErrUnauthenticated) {
				status = http.StatusUnauthorized
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
