package middlewares

import (
	"net/http"
	"strings"

	"companion-chat/models"
	"companion-chat/services"

	"github.com/gin-gonic/gin"
)

const userKey = "user"

// TokenAuthMiddleware resolves the bearer token through the identity
// collaborator and stores the user on the context.
func TokenAuthMiddleware(identity services.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		user, err := identity.Verify(c.Request.Context(), strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
		if err != nil {
			if services.KindOf(err) == services.KindDependency {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"code":  http.StatusServiceUnavailable,
					"error": gin.H{"reason": "identity_unavailable", "message": "identity service unavailable"},
				})
				return
			}
			abortUnauthorized(c, "invalid token")
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// CurrentUser returns the user stored by TokenAuthMiddleware.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok && user != nil
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":  http.StatusUnauthorized,
		"error": gin.H{"reason": "unauthenticated", "message": msg},
	})
}
