package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "recipebox-auth"
	testSessionAudience      = "recipebox-api"
	testSessionUserID        = "user-123"
)

func newTestIssuerAndValidator(t *testing.T, clockNow time.Time) (*TokenIssuer, *SessionValidator) {
	t.Helper()
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Audience:      testSessionAudience,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Audience:      testSessionAudience,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestIssuerAndValidator(t, clockNow)

	signed, _, err := issuer.IssueSessionToken(testSessionUserID, "")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuerAndValidator(t, clockNow)
	_, later := newTestIssuerAndValidator(t, clockNow.Add(2*time.Hour))

	signed, _, err := issuer.IssueSessionToken(testSessionUserID, "")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := later.ValidateToken(signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignSecret(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestIssuerAndValidator(t, clockNow)
	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        testSessionIssuer,
		Audience:      testSessionAudience,
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	signed, _, err := foreign.IssueSessionToken(testSessionUserID, "")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestIssuerAndValidator(t, clockNow)
	signed, _, err := issuer.IssueSessionToken(testSessionUserID, "")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	headerRequest := httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(headerRequest); err != nil {
		t.Fatalf("expected header token to validate: %v", err)
	}

	queryRequest := httptest.NewRequest(http.MethodGet, "/realtime?access_token="+signed, http.NoBody)
	if _, err := validator.ValidateRequest(queryRequest); err != nil {
		t.Fatalf("expected query token to validate: %v", err)
	}

	missing := httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody)
	if _, err := validator.ValidateRequest(missing); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
