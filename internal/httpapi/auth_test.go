package httpapi

import (
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mojarreria/kiosk/internal/domain"
)

func TestTokenRoundTrip(t *testing.T) {
	auth := NewAuthManager("secret-1", time.Hour, fixedNow)
	actor := domain.Actor{UserID: "u1", Name: "Pedro", Role: "ADMIN"}

	token, expiresAt, err := auth.IssueToken(actor)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expiresAt.Equal(fixedNow().Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", expiresAt)
	}

	parsed, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != actor {
		t.Fatalf("actor round trip failed: %+v", parsed)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	issued := NewAuthManager("secret-1", time.Minute, fixedNow)
	token, _, err := issued.IssueToken(domain.Actor{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	later := func() time.Time { return fixedNow().Add(2 * time.Minute) }
	verifier := NewAuthManager("secret-1", time.Minute, later)
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	issuer := NewAuthManager("secret-1", time.Hour, fixedNow)
	token, _, err := issuer.IssueToken(domain.Actor{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewAuthManager("secret-2", time.Hour, fixedNow)
	if _, err := other.ParseToken(token); err == nil {
		t.Fatal("token signed with a different secret must be rejected")
	}
}

func TestValidSupportPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("soporte-123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	if !validSupportPassword(string(hash), "soporte-123") {
		t.Fatal("correct password must validate")
	}
	if validSupportPassword(string(hash), "wrong") {
		t.Fatal("wrong password must not validate")
	}
	if validSupportPassword("", "anything") {
		t.Fatal("empty hash disables support operations")
	}
	if validSupportPassword(string(hash), "") {
		t.Fatal("empty password must not validate")
	}
}

func TestAttemptLimiter(t *testing.T) {
	limiter := newAttemptLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("1.2.3.4") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if limiter.Allow("1.2.3.4") {
		t.Fatal("fourth attempt within the window must be blocked")
	}
	if !limiter.Allow("5.6.7.8") {
		t.Fatal("limits are per key")
	}
}
