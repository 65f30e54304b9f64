package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/organizations"
)

// Memory is an in-process Registry. A single mutex makes every write atomic.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	tokens   TokenSource
	dir      organizations.Directory
	logger   *zap.Logger
	sessions map[string]*models.Session
	records  map[uuid.UUID]map[uuid.UUID]models.AttendanceRecord
}

// MemoryOption customizes a Memory registry.
type MemoryOption func(*Memory)

// WithClock sets the registry clock. The registry clock is authoritative for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithTokenSource replaces the default token generator.
func WithTokenSource(src TokenSource) MemoryOption {
	return func(m *Memory) { m.tokens = src }
}

// WithDirectory makes CreateSession reject organizations the directory does not know.
func WithDirectory(dir organizations.Directory) MemoryOption {
	return func(m *Memory) { m.dir = dir }
}

// NewMemory creates an in-memory registry.
func NewMemory(logger *zap.Logger, opts ...MemoryOption) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		now:      time.Now,
		logger:   logger,
		sessions: make(map[string]*models.Session),
		records:  make(map[uuid.UUID]map[uuid.UUID]models.AttendanceRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tokens == nil {
		m.tokens = NewTokenSource(logger)
	}
	return m
}

// CreateSession implements Registry.
func (m *Memory) CreateSession(ctx context.Context, p CreateSessionParams) (*models.Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if m.dir != nil {
		if _, err := m.dir.GetByID(ctx, p.OrganizationID); err != nil {
			return nil, &ValidationError{FieldErrors: map[string]string{"organization_id": "unknown organization"}}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	startsAt := p.StartsAt
	if startsAt.IsZero() {
		startsAt = now
	}
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		tok, degraded := m.tokens.Generate()
		if _, ok := validSubmissionToken(tok); !ok {
			m.logger.Warn("token source issued an unusable token, regenerating", zap.Int("attempt", attempt+1))
			continue
		}
		if _, taken := m.sessions[tok]; taken {
			m.logger.Debug("session token collision, regenerating", zap.Int("attempt", attempt+1))
			continue
		}
		s := &models.Session{
			ID:             uuid.New(),
			Token:          tok,
			OrganizationID: p.OrganizationID,
			Title:          p.Title,
			StartsAt:       startsAt,
			EndsAt:         startsAt.Add(time.Duration(p.DurationSeconds) * time.Second),
			CreatedBy:      p.CreatedBy,
			CreatedAt:      now,
		}
		m.sessions[tok] = s
		if degraded {
			m.logger.Warn("session created with degraded token entropy", zap.String("session_id", s.ID.String()))
		}
		out := *s
		return &out, nil
	}
	return nil, ErrTokenExhausted
}

// ListActiveSessions implements Registry.
func (m *Memory) ListActiveSessions(_ context.Context, orgID uuid.UUID) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var list []models.Session
	for _, s := range m.sessions {
		if s.OrganizationID == orgID && s.ActiveAt(now) {
			list = append(list, *s)
		}
	}
	SortSessions(list)
	return list, nil
}

// SubmitAttendance implements Registry. An existing record wins over a closed window so a
// member who already checked in is told so even after the session ends.
func (m *Memory) SubmitAttendance(_ context.Context, tok string, memberID uuid.UUID) (SubmitResult, error) {
	if memberID == uuid.Nil {
		return 0, &ValidationError{FieldErrors: map[string]string{"member_id": "required"}}
	}
	normalized, ok := validSubmissionToken(tok)
	if !ok {
		return InvalidToken, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[normalized]
	if !ok {
		return InvalidToken, nil
	}
	if _, dup := m.records[s.ID][memberID]; dup {
		return AlreadyRecorded, nil
	}
	now := m.now()
	if !s.ActiveAt(now) {
		return SessionExpired, nil
	}
	if m.records[s.ID] == nil {
		m.records[s.ID] = make(map[uuid.UUID]models.AttendanceRecord)
	}
	m.records[s.ID][memberID] = models.AttendanceRecord{
		ID:             uuid.New(),
		SessionID:      s.ID,
		SessionToken:   s.Token,
		MemberID:       memberID,
		OrganizationID: s.OrganizationID,
		RecordedAt:     now,
	}
	return Success, nil
}

// StopSession implements Registry. Stopping an already stopped session succeeds.
func (m *Memory) StopSession(_ context.Context, tok string) (StopResult, error) {
	normalized, _ := validSubmissionToken(tok)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[normalized]
	if !ok {
		return StopNotFound, nil
	}
	if s.StoppedAt == nil {
		now := m.now()
		s.StoppedAt = &now
	}
	return StopSuccess, nil
}

// GetSession implements Registry.
func (m *Memory) GetSession(_ context.Context, tok string) (*models.Session, error) {
	normalized, _ := validSubmissionToken(tok)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[normalized]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *s
	return &out, nil
}

// ListAttendance implements Registry.
func (m *Memory) ListAttendance(_ context.Context, tok string) ([]models.AttendanceRecord, error) {
	normalized, _ := validSubmissionToken(tok)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[normalized]
	if !ok {
		return nil, ErrSessionNotFound
	}
	list := make([]models.AttendanceRecord, 0, len(m.records[s.ID]))
	for _, r := range m.records[s.ID] {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RecordedAt.Before(list[j].RecordedAt) })
	return list, nil
}
