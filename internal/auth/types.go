// Package auth is the control-plane identity layer: users with bcrypt
// passwords, HS256 access tokens, and scoped API keys for programmatic
// callers.
package auth

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidAPIKey covers unknown, inactive and expired keys.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrEmailTaken is returned when registering an existing email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrAPIKeyNotFound is returned when revoking a key the user does not own.
	ErrAPIKeyNotFound = errors.New("api key not found")
	// ErrUnauthenticated is returned when no user context is present.
	ErrUnauthenticated = errors.New("missing authentication")
	// ErrMissingScope is returned when the caller lacks a required scope.
	ErrMissingScope = errors.New("missing required scope")
	// ErrUnknownScope rejects API key requests naming scopes that do not exist.
	ErrUnknownScope = errors.New("unknown scope")
)

// User is a control-plane account.
type User struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         string     `json:"role" db:"role"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
}

// APIKey grants programmatic access under a scope list. The plaintext key
// is shown once at creation; only its sha256 hash is stored.
type APIKey struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	KeyHash   string         `json:"-" db:"key_hash"`
	KeyPrefix string         `json:"key_prefix" db:"key_prefix"`
	UserID    uuid.UUID      `json:"user_id" db:"user_id"`
	Name      string         `json:"name" db:"name"`
	Scopes    pq.StringArray `json:"scopes" db:"scopes"`
	LastUsed  *time.Time     `json:"last_used,omitempty" db:"last_used"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	IsActive  bool           `json:"is_active" db:"is_active"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// UserContext is the authenticated identity attached to a request.
type UserContext struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Scopes    []string  `json:"scopes"`
	IsAPIKey  bool      `json:"is_api_key"`
	TokenType string    `json:"token_type"` // jwt or api_key
	APIKeyID  uuid.UUID `json:"api_key_id,omitempty"`
}

// HasScope reports whether the context carries a scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenResponse is the login payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

// LoginRequest authenticates by email.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest creates a new account. Role is always user; elevated
// roles are granted out of band.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateAPIKeyRequest mints a new key. Empty scopes default to the
// standard user scope set.
type CreateAPIKeyRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Authorization scopes.
const (
	ScopeAgentsRead     = "agents:read"
	ScopeAgentsWrite    = "agents:write"
	ScopeMessagesSend   = "messages:send"
	ScopeWorkflowsRead  = "workflows:read"
	ScopeWorkflowsWrite = "workflows:write"
	ScopeAPIKeysManage  = "apikeys:manage"
)

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// scopesForRole returns the scope grant for a role. Admin and owner get
// everything; plain users get everything except key management.
func scopesForRole(role string) []string {
	switch role {
	case RoleAdmin, RoleOwner:
		return []string{
			ScopeAgentsRead, ScopeAgentsWrite,
			ScopeMessagesSend,
			ScopeWorkflowsRead, ScopeWorkflowsWrite,
			ScopeAPIKeysManage,
		}
	default:
		return []string{
			ScopeAgentsRead, ScopeAgentsWrite,
			ScopeMessagesSend,
			ScopeWorkflowsRead, ScopeWorkflowsWrite,
		}
	}
}

// knownScopes validates requested API key scopes.
var knownScopes = map[string]bool{
	ScopeAgentsRead:     true,
	ScopeAgentsWrite:    true,
	ScopeMessagesSend:   true,
	ScopeWorkflowsRead:  true,
	ScopeWorkflowsWrite: true,
	ScopeAPIKeysManage:  true,
}
