package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/user"
)

const userKey = "auth.user"

// Middleware rejects requests without a valid bearer token. On success the
// identity is stored in the request context and the account in the gin
// context.
func Middleware(svc Service, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id, u, err := svc.Authenticate(ctx, c.GetHeader("Authorization"))
		if err != nil {
			var authErr *Error
			switch {
			case errors.As(err, &authErr):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authErr.Error()})
			case errors.Is(err, ErrServerMisconfigured):
				logger.Error("token secret is not configured")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server misconfigured"})
			default:
				logger.Error("authenticate request", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}

		c.Request = c.Request.WithContext(access.WithIdentity(ctx, id))
		c.Set(userKey, u)
		c.Next()
	}
}

// CurrentUser returns the account loaded by Middleware.
func CurrentUser(c *gin.Context) (*user.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*user.User)
	return u, ok
}
