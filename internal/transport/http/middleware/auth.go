package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/pkg/httputil"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "user_id"

type Validator interface {
	Validate(ctx context.Context, credential string) (string, error)
}

// AuthMiddleware validates the request credential against the identity provider.
func AuthMiddleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := httputil.GetTokenFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "code": "unauthorized"})
			return
		}

		userID, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			var authErr *domain.AuthError
			if !errors.As(err, &authErr) {
				log.Printf("[AUTH] Identity provider error: %v", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Identity provider unavailable", "code": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token", "code": "unauthorized"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// UserID returns the id set by AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
