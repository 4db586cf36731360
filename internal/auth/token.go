package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrUnknownSubject = errors.New("token subject does not resolve to a known user")
)

// Claims carried by the bearer credential. The identity front-door issues
// these tokens signed with the shared secret; this service only verifies.
type Claims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller whose subject resolved to a persisted
// user row.
type Principal struct {
	Subject     string
	Email       string
	DisplayName string
}

// TokenVerifier validates bearer credentials at two strengths: VerifyToken
// checks signature and expiry only, Verify additionally resolves the subject
// to a persisted user. The identity-sync endpoint uses the weaker check
// because the user row may not exist yet.
type TokenVerifier interface {
	VerifyToken(tokenString string) (*Claims, error)
	Verify(ctx context.Context, tokenString string) (*Principal, error)
}
