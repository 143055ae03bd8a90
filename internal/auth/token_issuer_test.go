package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "recipestats",
		Audience:      "recipestats-triggers",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesTriggerTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresIn, err := issuer.IssueTriggerToken(context.Background(), "review-trigger")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "review-trigger" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "recipestats" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "recipestats-triggers" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}

	if _, _, err := issuer.IssueTriggerToken(context.Background(), " "); err == nil {
		t.Fatalf("expected empty subject to be rejected")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, _, err := issuer.IssueTriggerToken(context.Background(), "review-trigger")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "review-trigger" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if _, err := issuer.ValidateToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	issuedAt := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, _, err := issuer.IssueTriggerToken(context.Background(), "review-trigger")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	now = issuedAt.Add(31 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "recipestats",
		Audience:      "someone-else",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	foreignToken, _, err := foreign.IssueTriggerToken(context.Background(), "review-trigger")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	now = time.Now()
	if _, err := issuer.ValidateToken(foreignToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}

func TestTokenIssuerValidatesBearerHeader(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.IssueTriggerToken(context.Background(), "review-trigger")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	request := httptest.NewRequest("POST", "/triggers/reviews/r1", nil)
	if _, err := issuer.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+tokenString)
	subject, err := issuer.ValidateRequest(request)
	if err != nil {
		t.Fatalf("expected bearer validation success: %v", err)
	}
	if subject != "review-trigger" {
		t.Fatalf("unexpected subject %s", subject)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
	}{
		{name: "missing secret", config: TokenIssuerConfig{Issuer: "recipestats", Audience: "triggers", TokenTTL: time.Minute}},
		{name: "missing issuer", config: TokenIssuerConfig{SigningSecret: []byte("secret"), Audience: "triggers", TokenTTL: time.Minute}},
		{name: "blank audience", config: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "recipestats", Audience: " ", TokenTTL: time.Minute}},
		{name: "non-positive ttl", config: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "recipestats", Audience: "triggers"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
