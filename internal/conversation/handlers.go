package conversation

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
		logger:  log.WithComponent("conversation.handler"),
	}
}

// Create handles POST /conversations.
func (h *Handler) Create(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	var input CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", nil)
		return
	}

	view, err := h.service.Create(c.Request.Context(), principal.Subject, input)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, view)
}

// List handles GET /conversations.
func (h *Handler) List(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	views, err := h.service.ListForUser(c.Request.Context(), principal.Subject)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, views)
}

// Get handles GET /conversations/:id.
func (h *Handler) Get(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	view, err := h.service.Get(c.Request.Context(), c.Param("id"), principal.Subject)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
