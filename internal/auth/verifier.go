package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// UserResolver resolves a verified token subject to a persisted user profile.
type UserResolver interface {
	ResolveSubject(ctx context.Context, subject string) (email, displayName string, err error)
}

// Verifier is the concrete TokenVerifier. Tokens are HMAC-signed (HS256) with
// a secret shared with the identity front-door, so the service stays
// stateless with respect to session storage.
type Verifier struct {
	secret []byte
	users  UserResolver
}

func NewVerifier(secret string, users UserResolver) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		users:  users,
	}
}

// VerifyToken checks the signature and expiry and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// Expiry is required, not merely validated when present.
	if !claims.VerifyExpiresAt(time.Now(), true) {
		return nil, ErrExpiredToken
	}

	if claims.Sub == "" {
		return nil, fmt.Errorf("%w: no subject (sub) found in token claims", ErrInvalidToken)
	}

	return claims, nil
}

// Verify checks the token and resolves its subject against the user store.
// The principal's email and display name come from the persisted row, not
// the token, so a stale token cannot override a profile update.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Principal, error) {
	claims, err := v.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}

	email, displayName, err := v.users.ResolveSubject(ctx, claims.Sub)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, claims.Sub)
	}

	return &Principal{
		Subject:     claims.Sub,
		Email:       email,
		DisplayName: displayName,
	}, nil
}
