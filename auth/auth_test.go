package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	s := NewTokenService([]byte("secret"), "test", time.Hour)

	tok, err := s.GenerateToken("ci", []string{"people"}, []string{ScopeWrite})
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	claims, err := s.ValidateToken(tok)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.Subject != "ci" {
		t.Errorf("expected subject ci, got %q", claims.Subject)
	}
	if !claims.HasScope(ScopeRead) || !claims.HasScope(ScopeWrite) {
		t.Error("write scope should grant read and write")
	}
	if !claims.AllowsGraph("people") || claims.AllowsGraph("other") {
		t.Error("graph restriction not applied")
	}
}

func TestReadOnlyToken(t *testing.T) {
	s := NewTokenService([]byte("secret"), "test", time.Hour)
	tok, _ := s.GenerateToken("viewer", nil, []string{ScopeRead})
	claims, err := s.ValidateToken(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.HasScope(ScopeWrite) {
		t.Error("read token must not grant write")
	}
	if !claims.AllowsGraph("anything") {
		t.Error("unrestricted token should allow every graph")
	}
}

func TestValidateRejects(t *testing.T) {
	s := NewTokenService([]byte("secret"), "test", time.Hour)
	other := NewTokenService([]byte("other"), "test", time.Hour)
	expired := NewTokenService([]byte("secret"), "test", -time.Minute)

	good, _ := other.GenerateToken("x", nil, nil)
	if _, err := s.ValidateToken(good); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key: expected ErrInvalidToken, got %v", err)
	}

	old, _ := expired.GenerateToken("x", nil, nil)
	if _, err := s.ValidateToken(old); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	if _, err := s.ValidateToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearerToken(tt.header); got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
