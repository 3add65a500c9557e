package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Audit event names, logged structurally.
const (
	auditAccountCreated = "account_created"
	auditLogin          = "login"
	auditLoginFailed    = "login_failed"
	auditAPIKeyCreated  = "api_key_created"
	auditAPIKeyRevoked  = "api_key_revoked"
	auditAPIKeyUsed     = "api_key_used"
)

// Service owns user accounts and API keys.
type Service struct {
	db     *sqlx.DB
	logger *zap.Logger
	jwt    *JWTManager
}

// NewService creates the auth service over an existing connection pool.
func NewService(db *sqlx.DB, logger *zap.Logger, jwtSecret string, accessExpiry time.Duration) *Service {
	return &Service{
		db:     db,
		logger: logger,
		jwt:    NewJWTManager(jwtSecret, accessExpiry),
	}
}

// JWT exposes the token manager for middleware wiring.
func (s *Service) JWT() *JWTManager {
	return s.jwt
}

// Register creates a new user account with the user role.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	if req.Email == "" || req.Username == "" || len(req.Password) < 8 {
		return nil, fmt.Errorf("email, username and a password of at least 8 characters are required")
	}

	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)", req.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email existence: %w", err)
	}
	if exists {
		return nil, ErrEmailTaken
	}

	err = s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)", req.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to check username existence: %w", err)
	}
	if exists {
		return nil, ErrUsernameTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.New(),
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: string(hashed),
		Role:         RoleUser,
		IsActive:     true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, is_active)
		VALUES (:id, :email, :username, :password_hash, :role, :is_active)`,
		user)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.audit(auditAccountCreated, user.ID, zap.String("email", user.Email))
	return user, nil
}

// Login verifies credentials and returns an access token. Not-found and
// wrong-password collapse into one error so callers cannot probe emails.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	var user User
	err := s.db.GetContext(ctx, &user,
		"SELECT * FROM users WHERE email = $1 AND is_active = true", req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.audit(auditLoginFailed, uuid.Nil, zap.String("email", req.Email))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.audit(auditLoginFailed, user.ID)
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateAccessToken(&user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login = NOW() WHERE id = $1", user.ID); err != nil {
		s.logger.Warn("Failed to update last login", zap.Error(err))
	}

	s.audit(auditLogin, user.ID)
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.jwt.AccessExpiry().Seconds()),
	}, nil
}

// ValidateAPIKey resolves an X-API-Key header value to a user context.
// Lookup is by sha256 hash; the plaintext never touches the store.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*UserContext, error) {
	if len(apiKey) < 8 {
		return nil, ErrInvalidAPIKey
	}

	var key APIKey
	err := s.db.GetContext(ctx, &key,
		"SELECT * FROM api_keys WHERE key_hash = $1 AND is_active = true", hashKey(apiKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("failed to query api key: %w", err)
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidAPIKey
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used = NOW() WHERE id = $1", key.ID); err != nil {
		s.logger.Warn("Failed to update api key last used", zap.Error(err))
	}

	var user User
	err = s.db.GetContext(ctx, &user,
		"SELECT * FROM users WHERE id = $1 AND is_active = true", key.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("failed to get user for api key: %w", err)
	}

	s.audit(auditAPIKeyUsed, user.ID, zap.String("api_key_id", key.ID.String()))
	return &UserContext{
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		Scopes:    key.Scopes,
		IsAPIKey:  true,
		TokenType: "api_key",
		APIKeyID:  key.ID,
	}, nil
}

// CreateAPIKey mints a key for a user. The plaintext is returned once
// and never stored.
func (s *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, req *CreateAPIKeyRequest) (string, *APIKey, error) {
	if req.Name == "" {
		return "", nil, fmt.Errorf("api key name is required")
	}

	var user User
	err := s.db.GetContext(ctx, &user,
		"SELECT * FROM users WHERE id = $1 AND is_active = true", userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, fmt.Errorf("user not found")
		}
		return "", nil, fmt.Errorf("failed to get user: %w", err)
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = scopesForRole(RoleUser)
	}
	for _, scope := range scopes {
		if !knownScopes[scope] {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
		}
	}

	plaintext, keyHash, keyPrefix, err := generateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	key := &APIKey{
		ID:        uuid.New(),
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		UserID:    userID,
		Name:      req.Name,
		Scopes:    scopes,
		ExpiresAt: req.ExpiresAt,
		IsActive:  true,
		CreatedAt: time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, key_prefix, user_id, name, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.UserID, key.Name, key.Scopes, key.ExpiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create api key: %w", err)
	}

	s.audit(auditAPIKeyCreated, userID,
		zap.String("api_key_id", key.ID.String()),
		zap.String("name", key.Name))
	return plaintext, key, nil
}

// ListAPIKeys returns a user's keys, newest first. Hashes stay private
// via the json:"-" tag.
func (s *Service) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*APIKey, error) {
	var keys []*APIKey
	err := s.db.SelectContext(ctx, &keys,
		"SELECT * FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey deactivates a key the user owns.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET is_active = false WHERE id = $1 AND user_id = $2 AND is_active = true",
		keyID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check revocation: %w", err)
	}
	if affected == 0 {
		return ErrAPIKeyNotFound
	}

	s.audit(auditAPIKeyRevoked, userID, zap.String("api_key_id", keyID.String()))
	return nil
}

// audit writes a structured audit line. uuid.Nil user means unattributed.
func (s *Service) audit(event string, userID uuid.UUID, fields ...zap.Field) {
	all := make([]zap.Field, 0, len(fields)+2)
	all = append(all, zap.String("audit_event", event))
	if userID != uuid.Nil {
		all = append(all, zap.String("user_id", userID.String()))
	}
	all = append(all, fields...)
	s.logger.Info("Auth event", all...)
}
