package message

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsechat/pulse/internal/auth"
	"github.com/pulsechat/pulse/internal/bus"
	apierrors "github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
)

// Publisher fans a persisted message's reference out to every gateway
// instance, this one included.
type Publisher interface {
	PublishMessage(ref bus.MessageRef) error
}

type Handler struct {
	service   *Service
	publisher Publisher
	logger    *logger.Logger
}

func NewHandler(service *Service, publisher Publisher, log *logger.Logger) *Handler {
	return &Handler{
		service:   service,
		publisher: publisher,
		logger:    log.WithComponent("message.handler"),
	}
}

// Create handles POST /messages. The REST path persists and publishes exactly
// like a socket send, so clients on either transport see the message live.
func (h *Handler) Create(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	var input SendInput
	if err := c.ShouldBindJSON(&input); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", nil)
		return
	}

	view, err := h.service.Send(c.Request.Context(), principal.Subject, input)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	if err := h.publisher.PublishMessage(bus.MessageRef{
		MessageID:      view.ID,
		ConversationID: view.ConversationID,
		SenderID:       view.SenderID,
	}); err != nil {
		// The message is durable; only the live fan-out is degraded.
		h.logger.LogError(c.Request.Context(), err, "failed to publish message reference", "message_id", view.ID)
	}

	c.JSON(http.StatusCreated, view)
}

// List handles GET /messages/:conversationId with cursor and limit query
// parameters.
func (h *Handler) List(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	var cursor *time.Time
	if raw := c.Query("cursor"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			apierrors.AbortWithBadRequest(c, "cursor must be an RFC 3339 timestamp", nil)
			return
		}
		cursor = &t
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			apierrors.AbortWithBadRequest(c, "limit must be an integer", nil)
			return
		}
		limit = n
	}

	page, err := h.service.ListForConversation(c.Request.Context(), c.Param("conversationId"), principal.Subject, cursor, limit)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

// GetSingle serves GET /messages/single/:messageId. The router cannot mix
// the static "single" segment with the sibling :conversationId wildcard, so
// the route is registered as /:conversationId/:messageId and dispatched
// here.
func (h *Handler) GetSingle(c *gin.Context) {
	if c.Param("conversationId") != "single" {
		apierrors.AbortWithNotFound(c, "Not found", nil)
		return
	}
	h.Get(c)
}

// Get handles GET /messages/single/:messageId.
func (h *Handler) Get(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated", nil)
		return
	}

	view, err := h.service.GetByID(c.Request.Context(), c.Param("messageId"), principal.Subject)
	if err != nil {
		apierrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
