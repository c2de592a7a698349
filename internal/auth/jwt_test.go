package auth

import (
	"testing"
	"time"
)

const testSecret = "this-is-a-test-secret-that-is-at-least-32-chars"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v
}

func TestNewVerifier_ShortSecret(t *testing.T) {
	if _, err := NewVerifier("too-short"); err != ErrShortSecret {
		t.Errorf("expected ErrShortSecret, got %v", err)
	}
}

func TestVerifyToken_ValidToken(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.GenerateAccessToken("user-1", "test@example.com", AdminPermissions(), time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	payload, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}

	if payload.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", payload.UserID, "user-1")
	}
	if payload.Email != "test@example.com" {
		t.Errorf("Email = %q, want %q", payload.Email, "test@example.com")
	}
	if !payload.Permissions.IsAdmin {
		t.Error("Expected IsAdmin to be true")
	}
}

func TestVerifyToken_InvalidSignature(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.GenerateAccessToken("user-1", "", AdminPermissions(), time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	other, err := NewVerifier("a-different-secret-that-is-also-at-least-32-chars")
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	if _, err := other.VerifyToken(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyToken_ExpiredToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.GenerateAccessToken("user-1", "", AdminPermissions(), -time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	if _, err := v.VerifyToken(token); err != ErrExpiredToken {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyToken_Garbage(t *testing.T) {
	v := newTestVerifier(t)
	if _, err := v.VerifyToken("not-a-jwt"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.GenerateRefreshToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateRefreshToken failed: %v", err)
	}
	if token == "" {
		t.Error("refresh token should not be empty")
	}
}

// --- RBAC predicates ---

func TestCanReadDocument(t *testing.T) {
	tests := []struct {
		name    string
		payload *TokenPayload
		docID   string
		want    bool
	}{
		{"nil payload", nil, "doc-1", false},
		{"admin", &TokenPayload{Permissions: AdminPermissions()}, "anything", true},
		{"wildcard", &TokenPayload{Permissions: AnonymousPermissions()}, "doc-1", true},
		{"exact match", &TokenPayload{Permissions: DocumentPermissions{CanRead: []string{"doc-1"}}}, "doc-1", true},
		{"no match", &TokenPayload{Permissions: DocumentPermissions{CanRead: []string{"doc-2"}}}, "doc-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanReadDocument(tt.payload, tt.docID); got != tt.want {
				t.Errorf("CanReadDocument = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanWriteDocument(t *testing.T) {
	readOnly := &TokenPayload{Permissions: DocumentPermissions{
		CanRead:  []string{"doc-1"},
		CanWrite: []string{},
	}}

	if CanWriteDocument(readOnly, "doc-1") {
		t.Error("read-only payload must not write")
	}
	if !CanWriteDocument(&TokenPayload{Permissions: AnonymousPermissions()}, "doc-1") {
		t.Error("wildcard payload should write")
	}
	if CanWriteDocument(nil, "doc-1") {
		t.Error("nil payload must not write")
	}
}
