package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/auth"
)

var errUnauthenticated = errors.New("missing identity")

// respondError maps a service error onto the JSON error contract.
func (h *Handler) respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	var verr *access.ValidationError
	var authErr *auth.Error
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verr.Fields()})
	case errors.Is(err, access.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized"})
	case errors.Is(err, access.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, access.ErrConflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "conflict"})
	case errors.As(err, &authErr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": authErr.Error()})
	case errors.Is(err, errUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrMissingToken.Error()})
	case errors.Is(err, auth.ErrServerMisconfigured):
		h.logger.Error("server misconfigured", zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server misconfigured"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// bindError reports a request that could not be decoded as a validation
// error on "body". A body cut off by the size limit is reported on field.
func bindError(err error, field string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return access.NewValidationError(field, fmt.Sprintf("exceeds %d bytes", tooLarge.Limit))
	}
	return access.NewValidationError("body", "invalid request body")
}
