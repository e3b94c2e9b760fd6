package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"realtime/internal/realtime"
)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Secret: "test-secret", Issuer: "realtimed"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestIssueAndVerify(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Issue("u1", realtime.RoleBuyer, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Role != realtime.RoleBuyer {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := newVerifier(t)

	expired, _ := v.Issue("u1", realtime.RoleBuyer, -time.Minute)

	other, _ := NewVerifier(Config{Secret: "other-secret", Issuer: "realtimed"})
	forged, _ := other.Issue("u1", realtime.RoleAdmin, time.Hour)

	foreign, _ := NewVerifier(Config{Secret: "test-secret", Issuer: "someone-else"})
	wrongIssuer, _ := foreign.Issue("u1", realtime.RoleBuyer, time.Hour)

	noRole, _ := v.Issue("u1", "", time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: realtime.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: "realtimed"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"expired":      expired,
		"wrong secret": forged,
		"wrong issuer": wrongIssuer,
		"missing role": noRole,
		"alg none":     unsigned,
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(token); !errors.Is(err, realtime.ErrInvalidCredential) {
				t.Errorf("expected ErrInvalidCredential, got %v", err)
			}
		})
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/realtime?token=from-query", nil)
	if got := TokenFromRequest(r); got != "from-query" {
		t.Errorf("expected query token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(r); got != "from-header" {
		t.Errorf("header should win, got %q", got)
	}
}
