package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := NewAccessToken("secret", "vantrack", time.Minute, Claims{
		UserID:   "Cap1",
		UserType: "captain",
		RouteID:  "RouteA",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := ParseToken("secret", "vantrack", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "Cap1" || claims.UserType != "captain" || claims.RouteID != "RouteA" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, err := NewAccessToken("secret", "vantrack", time.Minute, Claims{UserID: "Cap1", UserType: "captain"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseToken("other", "vantrack", token); err == nil {
		t.Fatalf("expected signature verification to fail")
	}
}

func TestTokenWrongIssuer(t *testing.T) {
	token, err := NewAccessToken("secret", "elsewhere", time.Minute, Claims{UserID: "Cap1", UserType: "captain"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseToken("secret", "vantrack", token); err == nil {
		t.Fatalf("expected issuer check to fail")
	}
}

func TestTokenExpired(t *testing.T) {
	token, err := NewAccessToken("secret", "vantrack", -time.Minute, Claims{UserID: "Cap1", UserType: "captain"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseToken("secret", "vantrack", token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}
