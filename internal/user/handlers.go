package user

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsechat/pulse/internal/auth"
	apierrors "github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
)

type Handler struct {
	service *Service
	logger  *logger.Logger
}

func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithComponent("user.handler"),
	}
}

// Sync handles POST /auth/sync. The route runs behind RequireToken, not
// RequireAuth, because the user row may not exist yet.
func (h *Handler) Sync(c *gin.Context) {
	claims, ok := auth.GetClaims(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	var input SyncInput
	if err := c.ShouldBindJSON(&input); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", nil)
		return
	}

	// The credential is the trust anchor: the body may not claim a different
	// identity than the token that authorized it.
	if input.ID == "" {
		input.ID = claims.Sub
	}
	if input.Email == "" {
		input.Email = claims.Email
	}
	if claims.Email != "" && input.Email != claims.Email {
		apierrors.AbortWithBadRequest(c, "email does not match credential", nil)
		return
	}

	u, err := h.service.Sync(c.Request.Context(), input)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "user": u})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	u, err := h.service.GetByID(c.Request.Context(), principal.Subject)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, u)
}
