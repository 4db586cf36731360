package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

type fakeResolver struct {
	users map[string][2]string // subject -> {email, displayName}
}

func (f *fakeResolver) ResolveSubject(_ context.Context, subject string) (string, string, error) {
	u, ok := f.users[subject]
	if !ok {
		return "", "", fmt.Errorf("user not found: %s", subject)
	}
	return u[0], u[1], nil
}

func mintToken(t *testing.T, secret string, sub, email, name string, ttl time.Duration) string {
	t.Helper()

	claims := &Claims{
		Sub:   sub,
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func newTestVerifier() *Verifier {
	return NewVerifier(testSecret, &fakeResolver{
		users: map[string][2]string{
			"user-1": {"alice@example.com", "Alice"},
		},
	})
}

func TestVerifyTokenValid(t *testing.T) {
	v := newTestVerifier()
	raw := mintToken(t, testSecret, "user-1", "alice@example.com", "Alice", time.Hour)

	claims, err := v.VerifyToken(raw)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if claims.Sub != "user-1" {
		t.Errorf("sub = %q, want %q", claims.Sub, "user-1")
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", claims.Email, "alice@example.com")
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	v := newTestVerifier()
	raw := mintToken(t, testSecret, "user-1", "alice@example.com", "Alice", -time.Minute)

	_, err := v.VerifyToken(raw)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyTokenBadSignature(t *testing.T) {
	v := newTestVerifier()
	raw := mintToken(t, "some-other-secret", "user-1", "alice@example.com", "Alice", time.Hour)

	_, err := v.VerifyToken(raw)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyTokenMissingSubject(t *testing.T) {
	v := newTestVerifier()
	raw := mintToken(t, testSecret, "", "alice@example.com", "Alice", time.Hour)

	_, err := v.VerifyToken(raw)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyTokenMissingExpiry(t *testing.T) {
	v := newTestVerifier()

	claims := &Claims{Sub: "user-1", Email: "alice@example.com"}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := v.VerifyToken(raw); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken for missing expiry", err)
	}
}

func TestVerifyTokenRejectsNonHMAC(t *testing.T) {
	v := newTestVerifier()

	// alg=none style tokens must never pass.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Sub: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := v.VerifyToken(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyResolvesPrincipal(t *testing.T) {
	v := newTestVerifier()
	raw := mintToken(t, testSecret, "user-1", "stale@example.com", "Stale Name", time.Hour)

	principal, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	// Profile fields come from the persisted row, not the token.
	if principal.Subject != "user-1" {
		t.Errorf("subject = %q, want %q", principal.Subject, "user-1")
	}
	if principal.Email != "alice@example.com" {
		t.Errorf("email = %q, want persisted %q", principal.Email, "alice@example.com")
	}
	if principal.DisplayName != "Alice" {
		t.Errorf("displayName = %q, want persisted %q", principal.DisplayName, "Alice")
	}
}

func TestVerifyUnknownSubject(t *testing.T) {
	v := newTestVerifier()
	raw := mintToken(t, testSecret, "ghost", "ghost@example.com", "Ghost", time.Hour)

	_, err := v.Verify(context.Background(), raw)
	if !errors.Is(err, ErrUnknownSubject) {
		t.Fatalf("err = %v, want ErrUnknownSubject", err)
	}
}
