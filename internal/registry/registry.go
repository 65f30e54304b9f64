// Package registry defines the authoritative session registry contract and its
// in-memory and Postgres implementations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/security"
	"github.com/aura-chapters/proximity/internal/token"
)

var (
	// ErrSessionNotFound is returned when no session carries the token.
	ErrSessionNotFound = errors.New("registry: session not found")
	// ErrTokenExhausted is returned when every generated token collided with an existing one.
	ErrTokenExhausted = errors.New("registry: could not allocate a unique token")
)

const (
	maxCreateAttempts = 5
	maxTitleLength    = 255
)

// SubmitResult is the closed set of outcomes of an attendance submission.
type SubmitResult int

const (
	Success SubmitResult = iota + 1
	AlreadyRecorded
	SessionExpired
	InvalidToken
)

func (r SubmitResult) String() string {
	switch r {
	case Success:
		return "success"
	case AlreadyRecorded:
		return "already_recorded"
	case SessionExpired:
		return "session_expired"
	case InvalidToken:
		return "invalid_token"
	default:
		return fmt.Sprintf("submit_result(%d)", int(r))
	}
}

// StopResult is the closed set of outcomes of stopping a session.
type StopResult int

const (
	StopSuccess StopResult = iota + 1
	StopNotFound
)

func (r StopResult) String() string {
	switch r {
	case StopSuccess:
		return "success"
	case StopNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("stop_result(%d)", int(r))
	}
}

// CreateSessionParams are the officer-supplied inputs of a new session.
// A zero StartsAt means "now" by the registry's clock.
type CreateSessionParams struct {
	OrganizationID  uuid.UUID
	Title           string
	StartsAt        time.Time
	DurationSeconds int
	CreatedBy       uuid.UUID
}

// Registry is the authoritative store of sessions and attendance records. Every write is
// atomic on the registry side; clients never check-then-insert.
type Registry interface {
	CreateSession(ctx context.Context, p CreateSessionParams) (*models.Session, error)
	// ListActiveSessions returns only sessions whose window includes now and which were not stopped.
	ListActiveSessions(ctx context.Context, orgID uuid.UUID) ([]models.Session, error)
	SubmitAttendance(ctx context.Context, tok string, memberID uuid.UUID) (SubmitResult, error)
	StopSession(ctx context.Context, tok string) (StopResult, error)
	GetSession(ctx context.Context, tok string) (*models.Session, error)
	ListAttendance(ctx context.Context, tok string) ([]models.AttendanceRecord, error)
}

// ValidationError captures field level problems with a request.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for f := range v.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v.FieldErrors[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

func (v *ValidationError) orNil() error {
	if v == nil || len(v.FieldErrors) == 0 {
		return nil
	}
	return v
}

// Validate normalizes p in place and reports invalid fields.
func (p *CreateSessionParams) Validate() error {
	var verr ValidationError
	p.Title = strings.TrimSpace(p.Title)
	if p.OrganizationID == uuid.Nil {
		verr.add("organization_id", "required")
	}
	if p.Title == "" {
		verr.add("title", "required")
	} else if len(p.Title) > maxTitleLength {
		verr.add("title", "must be at most 255 characters")
	}
	if p.DurationSeconds <= 0 {
		verr.add("duration_seconds", "must be positive")
	}
	return verr.orNil()
}

// TokenSource issues candidate session tokens.
type TokenSource interface {
	Generate() (tok string, degraded bool)
}

// NewTokenSource returns the default generator, which only issues tokens that pass
// the submission-side entropy checks.
func NewTokenSource(logger *zap.Logger) TokenSource {
	return token.NewGenerator(logger, token.WithAcceptable(security.Acceptable))
}

// validSubmissionToken normalizes tok and reports whether it could name a session at all.
func validSubmissionToken(tok string) (string, bool) {
	normalized := token.Normalize(tok)
	return normalized, security.ValidateToken(normalized) == nil
}

// SortSessions orders sessions most recently started first, then by title, then by token.
func SortSessions(list []models.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartsAt.Equal(list[j].StartsAt) {
			return list[i].StartsAt.After(list[j].StartsAt)
		}
		if list[i].Title != list[j].Title {
			return list[i].Title < list[j].Title
		}
		return list[i].Token < list[j].Token
	})
}
