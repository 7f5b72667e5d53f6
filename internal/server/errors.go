package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/pkg/pagination"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// invalidArgument marks a caller mistake; everything else that reaches the
// middleware is reported as internal.
type invalidArgument struct {
	reason string
}

func (e invalidArgument) Error() string { return e.reason }

func badRequest(reason string) error {
	return invalidArgument{reason: reason}
}

// ErrorHandlingMiddleware renders the last handler error as the API's error
// envelope. Internal failures surface their message as detail, never a stack.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

// AbortWithError records err for the middleware and stops the handler chain.
func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var inv invalidArgument
	switch {
	case errors.As(err, &inv):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_argument",
			Message: inv.reason,
		}
	case errors.Is(err, store.ErrInvalidTimeRange),
		errors.Is(err, store.ErrInvalidWindow),
		errors.Is(err, store.ErrUnknownAggregate),
		errors.Is(err, pagination.ErrInvalidToken):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_argument",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal",
			Message: "internal error",
			Detail:  err.Error(),
		}
	}
}
