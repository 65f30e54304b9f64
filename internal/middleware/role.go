package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-chapters/proximity/pkg/response"
)

// RequireRole allows only callers whose token carries one of roles. Must run after JWT.
// Roles compare case-insensitively.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[strings.ToLower(r)] = struct{}{}
	}
	return func(c *gin.Context) {
		role, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		name, _ := role.(string)
		if _, ok := allowed[strings.ToLower(name)]; !ok {
			response.Forbidden(c, "role not permitted")
			c.Abort()
			return
		}
		c.Next()
	}
}
