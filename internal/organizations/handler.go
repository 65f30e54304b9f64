package organizations

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/pkg/response"
)

// Handler exposes read-only beacon code lookups so devices can learn their organization's code.
type Handler struct {
	dir Directory
}

// NewHandler creates an organizations handler.
func NewHandler(dir Directory) *Handler {
	return &Handler{dir: dir}
}

// GetBySlug handles GET /organizations/:slug.
func (h *Handler) GetBySlug(c *gin.Context) {
	org, err := h.dir.GetBySlug(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, ErrUnknownOrganization) {
		response.NotFound(c, "organization not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load organization")
		return
	}
	response.OK(c, org)
}

// ResolveCode handles GET /organizations/codes/:code.
func (h *Handler) ResolveCode(c *gin.Context) {
	code, err := strconv.ParseUint(c.Param("code"), 10, 16)
	if err != nil || code == 0 {
		response.BadRequest(c, "code must be between 1 and 65535")
		return
	}
	org, err := h.dir.ResolveCode(c.Request.Context(), models.OrganizationCode(code))
	if errors.Is(err, ErrUnknownOrganization) {
		response.NotFound(c, "organization not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load organization")
		return
	}
	response.OK(c, org)
}
