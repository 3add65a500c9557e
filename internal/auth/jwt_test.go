package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAccessToken_RoundTrip(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Minute)

	user := &User{
		ID:       uuid.New(),
		Email:    "ops@example.com",
		Username: "ops",
		Role:     RoleAdmin,
	}

	token, err := manager.GenerateAccessToken(user)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	got, err := manager.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if got.UserID != user.ID {
		t.Errorf("Expected user id %s, got %s", user.ID, got.UserID)
	}
	if got.Role != RoleAdmin {
		t.Errorf("Expected admin role, got %s", got.Role)
	}
	if got.IsAPIKey {
		t.Error("JWT context should not be marked as api key")
	}
	if !got.HasScope(ScopeAPIKeysManage) {
		t.Error("Admin token should carry apikeys:manage")
	}
}

func TestAccessToken_Expired(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Minute)
	manager.accessExpiry = -time.Minute

	user := &User{ID: uuid.New(), Role: RoleUser}
	token, err := manager.GenerateAccessToken(user)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	if _, err := manager.ValidateAccessToken(token); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestAccessToken_WrongKey(t *testing.T) {
	issuer := NewJWTManager("secret-a", time.Minute)
	verifier := NewJWTManager("secret-b", time.Minute)

	token, err := issuer.GenerateAccessToken(&User{ID: uuid.New(), Role: RoleUser})
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	if _, err := verifier.ValidateAccessToken(token); err == nil {
		t.Error("Expected signature mismatch to be rejected")
	}
}

func TestAccessToken_Garbage(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Minute)
	if _, err := manager.ValidateAccessToken("not.a.token"); err == nil {
		t.Error("Expected garbage token to be rejected")
	}
}

func TestScopesForRole(t *testing.T) {
	for _, role := range []string{RoleAdmin, RoleOwner} {
		scopes := scopesForRole(role)
		if len(scopes) != 6 {
			t.Errorf("Expected %s to get all 6 scopes, got %d", role, len(scopes))
		}
	}

	userScopes := scopesForRole(RoleUser)
	if len(userScopes) != 5 {
		t.Errorf("Expected user to get 5 scopes, got %d", len(userScopes))
	}
	for _, s := range userScopes {
		if s == ScopeAPIKeysManage {
			t.Error("User role should not carry apikeys:manage")
		}
	}
}

func TestGenerateAPIKey_Shape(t *testing.T) {
	key, hash, prefix, err := generateAPIKey()
	if err != nil {
		t.Fatalf("generateAPIKey failed: %v", err)
	}
	if !strings.HasPrefix(key, "dk_") {
		t.Errorf("Expected dk_ prefix, got %q", key[:3])
	}
	if len(key) != 3+64 {
		t.Errorf("Expected 67-char key, got %d", len(key))
	}
	if prefix != key[:8] {
		t.Errorf("Expected prefix to be the first 8 chars, got %q", prefix)
	}
	if hash != hashKey(key) {
		t.Error("Expected stored hash to match hashKey of the plaintext")
	}
	if hash == key {
		t.Error("Hash must not equal the plaintext")
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, err := ExtractBearerToken("Bearer abc123")
	if err != nil {
		t.Fatalf("ExtractBearerToken failed: %v", err)
	}
	if token != "abc123" {
		t.Errorf("Expected abc123, got %q", token)
	}

	for _, header := range []string{"", "abc123", "Basic abc123", "Bearer"} {
		if _, err := ExtractBearerToken(header); err == nil {
			t.Errorf("Expected %q to be rejected", header)
		}
	}
}
