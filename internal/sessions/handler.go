// Package sessions is the HTTP surface of the session registry: officers create and stop
// sessions, member devices list active sessions and submit attendance.
package sessions

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/middleware"
	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/organizations"
	"github.com/aura-chapters/proximity/internal/realtime"
	"github.com/aura-chapters/proximity/internal/registry"
	"github.com/aura-chapters/proximity/pkg/queue"
	"github.com/aura-chapters/proximity/pkg/response"
	"github.com/aura-chapters/proximity/pkg/storage"
)

// Recorder submits a member's attendance.
type Recorder interface {
	Submit(ctx context.Context, tok string, memberID uuid.UUID) (registry.SubmitResult, error)
}

// Notifier fans session events out to an organization's realtime room.
type Notifier interface {
	BroadcastToOrganizationAndPublish(orgID uuid.UUID, event string, payload interface{})
}

// ExportQueue accepts roster export jobs.
type ExportQueue interface {
	EnqueueRosterExport(ctx context.Context, payload queue.RosterExportPayload) (string, error)
}

// RosterLinker hands out download links for finished roster exports.
type RosterLinker interface {
	RosterURL(ctx context.Context, orgID, sessionID uuid.UUID) (string, error)
}

// CreateRequest is the body for POST /organizations/:slug/sessions.
type CreateRequest struct {
	Title           string     `json:"title" binding:"required"`
	DurationSeconds int        `json:"duration_seconds" binding:"required"`
	StartsAt        *time.Time `json:"starts_at"`
}

// lifecycleEvent is published on session start and stop. It never carries the token:
// members must be in range of the beacon to learn which session to redeem.
type lifecycleEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
}

type attendanceEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	MemberID  uuid.UUID `json:"member_id"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	registry registry.Registry
	dir      organizations.Directory
	recorder Recorder
	events   Notifier
	exports  ExportQueue
	rosters  RosterLinker
	logger   *zap.Logger
}

// NewHandler creates a sessions handler. events may be nil.
func NewHandler(reg registry.Registry, dir organizations.Directory, recorder Recorder, events Notifier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: reg, dir: dir, recorder: recorder, events: events, logger: logger}
}

// SetRosterExports enables the roster export endpoints.
func (h *Handler) SetRosterExports(q ExportQueue, rosters RosterLinker) {
	h.exports = q
	h.rosters = rosters
}

// RegisterRoutes mounts the session routes on an authenticated group.
func (h *Handler) RegisterRoutes(api gin.IRoutes) {
	officer := middleware.RequireRole(models.RoleOfficer)
	api.POST("/organizations/:slug/sessions", officer, h.Create)
	api.GET("/organizations/:slug/sessions/active", h.ListActive)
	api.POST("/sessions/:token/stop", officer, h.Stop)
	api.POST("/sessions/:token/attendance", h.SubmitAttendance)
	api.GET("/sessions/:token/attendance", officer, h.Roster)
	api.POST("/sessions/:token/roster-export", officer, h.ExportRoster)
	api.GET("/sessions/:token/roster-export/url", officer, h.RosterURL)
}

// Create handles POST /organizations/:slug/sessions (officer).
func (h *Handler) Create(c *gin.Context) {
	org, ok := h.callerOrganization(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	params := registry.CreateSessionParams{
		OrganizationID:  org.ID,
		Title:           req.Title,
		DurationSeconds: req.DurationSeconds,
		CreatedBy:       middleware.UserID(c),
	}
	if req.StartsAt != nil {
		params.StartsAt = *req.StartsAt
	}
	s, err := h.registry.CreateSession(c.Request.Context(), params)
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		response.BadRequest(c, verr.Error())
		return
	}
	if err != nil {
		h.logger.Error("create session", zap.String("organization_id", org.ID.String()), zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}
	h.publish(s.OrganizationID, realtime.EventSessionStarted, lifecycleEvent{
		SessionID: s.ID, Title: s.Title, StartsAt: s.StartsAt, EndsAt: s.EndsAt,
	})
	response.Created(c, s)
}

// ListActive handles GET /organizations/:slug/sessions/active.
func (h *Handler) ListActive(c *gin.Context) {
	org, ok := h.callerOrganization(c)
	if !ok {
		return
	}
	list, err := h.registry.ListActiveSessions(c.Request.Context(), org.ID)
	if err != nil {
		h.logger.Error("list active sessions", zap.String("organization_id", org.ID.String()), zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	response.OK(c, list)
}

// Stop handles POST /sessions/:token/stop (officer).
func (h *Handler) Stop(c *gin.Context) {
	s, ok := h.callerSession(c)
	if !ok {
		return
	}
	res, err := h.registry.StopSession(c.Request.Context(), s.Token)
	if err != nil {
		h.logger.Error("stop session", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to stop session")
		return
	}
	if res == registry.StopNotFound {
		response.NotFound(c, "session not found")
		return
	}
	h.publish(s.OrganizationID, realtime.EventSessionStopped, lifecycleEvent{
		SessionID: s.ID, Title: s.Title, StartsAt: s.StartsAt, EndsAt: s.EndsAt,
	})
	response.OK(c, gin.H{"token": s.Token, "stopped": true})
}

// SubmitAttendance handles POST /sessions/:token/attendance. The member is the caller.
func (h *Handler) SubmitAttendance(c *gin.Context) {
	memberID := middleware.UserID(c)
	tok := c.Param("token")
	s, err := h.registry.GetSession(c.Request.Context(), tok)
	if err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
		h.logger.Error("load session", zap.Error(err))
		response.Internal(c, "failed to submit attendance")
		return
	}
	// A session of another organization is indistinguishable from no session.
	if s == nil || s.OrganizationID != middleware.OrganizationID(c) {
		writeResult(c, registry.InvalidToken)
		return
	}

	res, err := h.recorder.Submit(c.Request.Context(), s.Token, memberID)
	if err != nil {
		h.logger.Error("submit attendance", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to submit attendance")
		return
	}
	if res == registry.Success {
		h.publish(s.OrganizationID, realtime.EventAttendanceRecorded, attendanceEvent{SessionID: s.ID, MemberID: memberID})
	}
	writeResult(c, res)
}

// statusFor maps a submission result onto its HTTP status.
func statusFor(res registry.SubmitResult) int {
	switch res {
	case registry.Success:
		return http.StatusCreated
	case registry.AlreadyRecorded:
		return http.StatusConflict
	case registry.SessionExpired:
		return http.StatusGone
	default:
		return http.StatusNotFound
	}
}

func writeResult(c *gin.Context, res registry.SubmitResult) {
	body := gin.H{"result": res.String()}
	if res == registry.Success {
		response.Created(c, body)
		return
	}
	response.Fail(c, statusFor(res), res.String(), body)
}

// Roster handles GET /sessions/:token/attendance (officer).
func (h *Handler) Roster(c *gin.Context) {
	s, ok := h.callerSession(c)
	if !ok {
		return
	}
	records, err := h.registry.ListAttendance(c.Request.Context(), s.Token)
	if err != nil {
		h.logger.Error("list attendance", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to load roster")
		return
	}
	response.OK(c, gin.H{"session": s, "records": records, "count": len(records)})
}

// ExportRoster handles POST /sessions/:token/roster-export (officer).
func (h *Handler) ExportRoster(c *gin.Context) {
	if h.exports == nil {
		response.ServiceUnavailable(c, "roster export is not configured")
		return
	}
	s, ok := h.callerSession(c)
	if !ok {
		return
	}
	jobID, err := h.exports.EnqueueRosterExport(c.Request.Context(), queue.RosterExportPayload{
		SessionID:      s.ID,
		SessionToken:   s.Token,
		OrganizationID: s.OrganizationID,
		RequestedBy:    middleware.UserID(c),
	})
	if err != nil {
		h.logger.Error("enqueue roster export", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to queue roster export")
		return
	}
	response.Accepted(c, gin.H{"job_id": jobID, "session_id": s.ID})
}

// RosterURL handles GET /sessions/:token/roster-export/url (officer).
func (h *Handler) RosterURL(c *gin.Context) {
	if h.rosters == nil {
		response.ServiceUnavailable(c, "roster export is not configured")
		return
	}
	s, ok := h.callerSession(c)
	if !ok {
		return
	}
	url, err := h.rosters.RosterURL(c.Request.Context(), s.OrganizationID, s.ID)
	if errors.Is(err, storage.ErrObjectNotFound) {
		response.NotFound(c, "roster export not ready")
		return
	}
	if err != nil {
		h.logger.Error("presign roster", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to create download link")
		return
	}
	response.OK(c, gin.H{"url": url})
}

// callerOrganization resolves :slug and checks the caller belongs to it.
func (h *Handler) callerOrganization(c *gin.Context) (*models.Organization, bool) {
	org, err := h.dir.GetBySlug(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, organizations.ErrUnknownOrganization) {
		response.NotFound(c, "organization not found")
		return nil, false
	}
	if err != nil {
		response.Internal(c, "failed to load organization")
		return nil, false
	}
	if org.ID != middleware.OrganizationID(c) {
		response.Forbidden(c, "not a member of this organization")
		return nil, false
	}
	return org, true
}

// callerSession resolves :token to a session of the caller's organization.
func (h *Handler) callerSession(c *gin.Context) (*models.Session, bool) {
	s, err := h.registry.GetSession(c.Request.Context(), c.Param("token"))
	if errors.Is(err, registry.ErrSessionNotFound) {
		response.NotFound(c, "session not found")
		return nil, false
	}
	if err != nil {
		response.Internal(c, "failed to load session")
		return nil, false
	}
	if s.OrganizationID != middleware.OrganizationID(c) {
		response.NotFound(c, "session not found")
		return nil, false
	}
	return s, true
}

func (h *Handler) publish(orgID uuid.UUID, event string, payload interface{}) {
	if h.events == nil {
		return
	}
	h.events.BroadcastToOrganizationAndPublish(orgID, event, payload)
}
