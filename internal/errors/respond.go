package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError represents a simple standardized error response.
// Used for 400, 401, 404, 409, 500 errors that don't need specialized shapes.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}

// ForbiddenReason represents machine-readable reason codes for 403 errors.
type ForbiddenReason string

// ReasonNotMember covers every 403 the core produces: membership is the only
// access rule.
const ReasonNotMember ForbiddenReason = "not_a_member"

// ForbiddenError represents a standardized 403 Forbidden response.
type ForbiddenError struct {
	Error   string                 `json:"error"`
	Reason  ForbiddenReason        `json:"reason"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AbortWithBadRequest sends a 400 Bad Request response and aborts the request.
func AbortWithBadRequest(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, NewAPIError(message, details))
}

// AbortWithUnauthorized sends a 401 Unauthorized response and aborts the request.
func AbortWithUnauthorized(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, NewAPIError(message, details))
}

// AbortWithForbidden sends a 403 response with the ForbiddenError and aborts the request.
func AbortWithForbidden(c *gin.Context, err *ForbiddenError) {
	c.AbortWithStatusJSON(http.StatusForbidden, err)
}

// AbortWithNotFound sends a 404 Not Found response and aborts the request.
func AbortWithNotFound(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusNotFound, NewAPIError(message, details))
}

// AbortWithConflict sends a 409 Conflict response and aborts the request.
func AbortWithConflict(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusConflict, NewAPIError(message, details))
}

// AbortWithInternal sends a 500 Internal Server Error response and aborts the request.
func AbortWithInternal(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, NewAPIError(message, details))
}

// Abort maps a classified service error onto the HTTP response. Handlers call
// it after any service call so the kind decided deep in the stack picks the
// status here at the boundary.
func Abort(c *gin.Context, err error) {
	msg := Message(err)
	switch KindOf(err) {
	case KindUnauthenticated:
		AbortWithUnauthorized(c, msg, nil)
	case KindForbidden:
		c.AbortWithStatusJSON(http.StatusForbidden, &ForbiddenError{Error: msg, Reason: ReasonNotMember})
	case KindBadRequest:
		AbortWithBadRequest(c, msg, nil)
	case KindNotFound:
		AbortWithNotFound(c, msg, nil)
	case KindConflict:
		AbortWithConflict(c, msg, nil)
	default:
		AbortWithInternal(c, msg, nil)
	}
}
