package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
)

// Define a custom type for context keys to avoid collisions.
type contextKey string

const (
	// PrincipalKey is the context key for the authenticated principal.
	PrincipalKey contextKey = "principal"
	// ClaimsKey is the context key for verified raw claims (RequireToken only).
	ClaimsKey contextKey = "claims"
)

type Middleware struct {
	verifier TokenVerifier
}

func NewMiddleware(verifier TokenVerifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// RequireAuth validates the bearer credential and attaches the resolved
// principal to the context. Requests whose subject has no user row are
// rejected; they must hit the identity-sync endpoint first.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			errors.AbortWithUnauthorized(c, "Authorization header is required", nil)
			return
		}

		principal, err := m.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			errors.AbortWithUnauthorized(c, "Invalid or expired token", nil)
			return
		}

		ctx := logger.WithUserID(c.Request.Context(), principal.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(PrincipalKey), principal)

		c.Next()
	}
}

// RequireToken validates signature and expiry only. Used by the identity-sync
// endpoint, which runs before the user row exists.
func (m *Middleware) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			errors.AbortWithUnauthorized(c, "Authorization header is required", nil)
			return
		}

		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			errors.AbortWithUnauthorized(c, "Invalid or expired token", nil)
			return
		}

		ctx := logger.WithUserID(c.Request.Context(), claims.Sub)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(ClaimsKey), claims)

		c.Next()
	}
}

// bearerToken extracts the credential from the Authorization header.
// Fallback for WebSocket connections: accept token from query parameter,
// because the browser WebSocket API doesn't support custom headers during
// the upgrade.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")

	if authHeader == "" && c.Request.Header.Get("Upgrade") == "websocket" {
		if token := c.Query("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", false
	}

	return token, true
}

// GetPrincipal extracts the authenticated principal from the Gin context.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(string(PrincipalKey))
	if !exists {
		return nil, false
	}

	principal, ok := v.(*Principal)
	return principal, ok
}

// GetClaims extracts verified claims from the Gin context (RequireToken).
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(string(ClaimsKey))
	if !exists {
		return nil, false
	}

	claims, ok := v.(*Claims)
	return claims, ok
}
