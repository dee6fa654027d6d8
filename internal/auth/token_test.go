package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, mutate func(*claims)) string {
	t.Helper()
	payload := &claims{
		DisplayName: "Avery",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Unix(2000, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Unix(1000, 0)),
		},
	}
	if mutate != nil {
		mutate(payload)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := NewVerifier("topsecret", 0)
	v.WithClock(func() time.Time { return time.Unix(1500, 0) })

	identity, err := v.Verify(signToken(t, "topsecret", nil))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "user-42" || identity.DisplayName != "Avery" {
		t.Fatalf("identity = %+v", identity)
	}
	if identity.Guest {
		t.Fatalf("token-backed identity flagged as guest")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("topsecret", 0)
	v.WithClock(func() time.Time { return time.Unix(1500, 0) })

	if _, err := v.Verify(signToken(t, "othersecret", nil)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("verify = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("topsecret", 0)
	v.WithClock(func() time.Time { return time.Unix(2500, 0) })

	if _, err := v.Verify(signToken(t, "topsecret", nil)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("verify = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyHonoursLeeway(t *testing.T) {
	v := NewVerifier("topsecret", time.Minute)

	//1.- Thirty seconds past expiry stays inside the one-minute allowance.
	v.WithClock(func() time.Time { return time.Unix(2030, 0) })
	if _, err := v.Verify(signToken(t, "topsecret", nil)); err != nil {
		t.Fatalf("verify inside leeway: %v", err)
	}

	//2.- Two minutes past expiry exceeds it.
	v.WithClock(func() time.Time { return time.Unix(2120, 0) })
	if _, err := v.Verify(signToken(t, "topsecret", nil)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("verify = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v := NewVerifier("topsecret", 0)
	v.WithClock(func() time.Time { return time.Unix(1500, 0) })

	token := signToken(t, "topsecret", func(c *claims) { c.Subject = "  " })
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("verify = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateGuestMode(t *testing.T) {
	v := NewVerifier("", 0)
	if !v.GuestMode() {
		t.Fatalf("empty secret should enable guest mode")
	}

	identity, err := v.Authenticate("", "Blue")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !identity.Guest || identity.DisplayName != "Blue" {
		t.Fatalf("identity = %+v", identity)
	}
	if !strings.HasPrefix(identity.UserID, "guest-") {
		t.Fatalf("guest user id = %q", identity.UserID)
	}

	//1.- Each guest connection gets a distinct identity.
	second, err := v.Authenticate("", "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if second.UserID == identity.UserID {
		t.Fatalf("guest ids collided: %q", second.UserID)
	}
}

func TestAuthenticateRequiresTokenWithSecret(t *testing.T) {
	v := NewVerifier("topsecret", 0)
	if _, err := v.Authenticate("", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("authenticate = %v, want ErrInvalidToken", err)
	}
}
