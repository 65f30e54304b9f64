package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is a time-bounded, organization-scoped attendance window identified by its token.
// There is no stored "active" flag: activity is derived from the window and StoppedAt.
type Session struct {
	ID             uuid.UUID  `json:"id"`
	Token          string     `json:"token"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Title          string     `json:"title"`
	StartsAt       time.Time  `json:"starts_at"`
	EndsAt         time.Time  `json:"ends_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	CreatedBy      uuid.UUID  `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ActiveAt reports whether now falls inside [StartsAt, EndsAt) and the session was not stopped.
func (s *Session) ActiveAt(now time.Time) bool {
	if s.StoppedAt != nil {
		return false
	}
	return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// Remaining returns the time left until EndsAt, or zero once the window has closed.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.StoppedAt != nil || !now.Before(s.EndsAt) {
		return 0
	}
	return s.EndsAt.Sub(now)
}

// AttendanceRecord is a member's check-in for a session. At most one exists per (member, session).
type AttendanceRecord struct {
	ID             uuid.UUID `json:"id"`
	SessionID      uuid.UUID `json:"session_id"`
	SessionToken   string    `json:"session_token"`
	MemberID       uuid.UUID `json:"member_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	RecordedAt     time.Time `json:"recorded_at"`
}
