package media

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
		logger:  log.WithComponent("media.handler"),
	}
}

// RequestUploadURL handles POST /media/upload-url.
func (h *Handler) RequestUploadURL(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	var input UploadInput
	if err := c.ShouldBindJSON(&input); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", nil)
		return
	}

	grant, err := h.service.RequestUploadURL(c.Request.Context(), principal.Subject, input)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, grant)
}

// GetURL handles GET /media/url?path=... so clients can resolve the
// mediaPath on a message they fetched.
func (h *Handler) GetURL(c *gin.Context) {
	if _, ok := auth.GetPrincipal(c); !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	url, err := h.service.GetMediaURL(c.Request.Context(), c.Query("path"))
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":       url,
		"expiresIn": int(downloadTTL.Seconds()),
	})
}
