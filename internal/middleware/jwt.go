package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-chapters/proximity/internal/auth"
	"github.com/aura-chapters/proximity/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
	// ContextOrganizationID is the key for the caller's organization ID in gin context.
	ContextOrganizationID = "organization_id"
)

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextOrganizationID, claims.OrganizationID)
		c.Next()
	}
}

// UserID returns the authenticated user ID, or uuid.Nil outside the JWT middleware.
func UserID(c *gin.Context) uuid.UUID {
	id, _ := c.Get(ContextUserID)
	v, _ := id.(uuid.UUID)
	return v
}

// OrganizationID returns the caller's organization ID, or uuid.Nil outside the JWT middleware.
func OrganizationID(c *gin.Context) uuid.UUID {
	id, _ := c.Get(ContextOrganizationID)
	v, _ := id.(uuid.UUID)
	return v
}
