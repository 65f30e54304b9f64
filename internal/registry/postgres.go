package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Postgres is the production Registry. The database clock (NOW()) is authoritative for
// every window check.
type Postgres struct {
	pool   *pgxpool.Pool
	tokens TokenSource
	logger *zap.Logger
}

// NewPostgres creates a Postgres-backed registry.
func NewPostgres(pool *pgxpool.Pool, tokens TokenSource, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokens == nil {
		tokens = NewTokenSource(logger)
	}
	return &Postgres{pool: pool, tokens: tokens, logger: logger}
}

const sessionColumns = `id, token, organization_id, title, starts_at, ends_at, stopped_at, created_by, created_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.Token, &s.OrganizationID, &s.Title, &s.StartsAt, &s.EndsAt, &s.StoppedAt, &s.CreatedBy, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession implements Registry. Token uniqueness is enforced by the table; a conflict
// draws a new token.
func (r *Postgres) CreateSession(ctx context.Context, p CreateSessionParams) (*models.Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var startsAt *time.Time
	if !p.StartsAt.IsZero() {
		startsAt = &p.StartsAt
	}
	const q = `INSERT INTO attendance_sessions (id, token, organization_id, title, starts_at, ends_at, created_by)
		SELECT gen_random_uuid(), $1, o.id, $3, s.at, s.at + make_interval(secs => $4), $5
		FROM organizations o, (SELECT COALESCE($2::timestamptz, NOW()) AS at) s
		WHERE o.id = $6
		RETURNING ` + sessionColumns
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		tok, degraded := r.tokens.Generate()
		if _, ok := validSubmissionToken(tok); !ok {
			r.logger.Warn("token source issued an unusable token, regenerating", zap.Int("attempt", attempt+1))
			continue
		}
		s, err := scanSession(r.pool.QueryRow(ctx, q, tok, startsAt, p.Title, float64(p.DurationSeconds), p.CreatedBy, p.OrganizationID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ValidationError{FieldErrors: map[string]string{"organization_id": "unknown organization"}}
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			r.logger.Debug("session token collision, regenerating", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		if degraded {
			r.logger.Warn("session created with degraded token entropy", zap.String("session_id", s.ID.String()))
		}
		return s, nil
	}
	return nil, ErrTokenExhausted
}

// ListActiveSessions implements Registry.
func (r *Postgres) ListActiveSessions(ctx context.Context, orgID uuid.UUID) ([]models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM attendance_sessions
		WHERE organization_id = $1 AND stopped_at IS NULL AND starts_at <= NOW() AND NOW() < ends_at
		ORDER BY starts_at DESC, title, token`
	rows, err := r.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// submitQuery looks up the session, checks the window and inserts the record in one
// statement. ON CONFLICT makes concurrent submissions by the same member race safely.
const submitQuery = `WITH s AS (
		SELECT id, organization_id,
			(stopped_at IS NULL AND starts_at <= NOW() AND NOW() < ends_at) AS open
		FROM attendance_sessions WHERE token = $1
	), existing AS (
		SELECT 1 FROM attendance_records r JOIN s ON r.session_id = s.id WHERE r.member_id = $2
	), ins AS (
		INSERT INTO attendance_records (id, session_id, member_id, organization_id, recorded_at)
		SELECT gen_random_uuid(), s.id, $2, s.organization_id, NOW() FROM s WHERE s.open
		ON CONFLICT (session_id, member_id) DO NOTHING
		RETURNING id
	)
	SELECT EXISTS (SELECT 1 FROM s),
		COALESCE((SELECT open FROM s), false),
		EXISTS (SELECT 1 FROM existing),
		EXISTS (SELECT 1 FROM ins)`

// SubmitAttendance implements Registry.
func (r *Postgres) SubmitAttendance(ctx context.Context, tok string, memberID uuid.UUID) (SubmitResult, error) {
	if memberID == uuid.Nil {
		return 0, &ValidationError{FieldErrors: map[string]string{"member_id": "required"}}
	}
	normalized, ok := validSubmissionToken(tok)
	if !ok {
		return InvalidToken, nil
	}
	var found, open, existing, inserted bool
	if err := r.pool.QueryRow(ctx, submitQuery, normalized, memberID).Scan(&found, &open, &existing, &inserted); err != nil {
		return 0, fmt.Errorf("submit attendance: %w", err)
	}
	switch {
	case !found:
		return InvalidToken, nil
	case inserted:
		return Success, nil
	case existing:
		return AlreadyRecorded, nil
	case !open:
		return SessionExpired, nil
	default:
		// Open, not inserted and no record visible in our snapshot: a concurrent
		// submission by the same member won the insert.
		return AlreadyRecorded, nil
	}
}

// StopSession implements Registry.
func (r *Postgres) StopSession(ctx context.Context, tok string) (StopResult, error) {
	normalized, _ := validSubmissionToken(tok)
	const q = `UPDATE attendance_sessions SET stopped_at = COALESCE(stopped_at, NOW()) WHERE token = $1`
	tag, err := r.pool.Exec(ctx, q, normalized)
	if err != nil {
		return 0, fmt.Errorf("stop session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return StopNotFound, nil
	}
	return StopSuccess, nil
}

// GetSession implements Registry.
func (r *Postgres) GetSession(ctx context.Context, tok string) (*models.Session, error) {
	normalized, _ := validSubmissionToken(tok)
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE token = $1`, normalized))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListAttendance implements Registry.
func (r *Postgres) ListAttendance(ctx context.Context, tok string) ([]models.AttendanceRecord, error) {
	s, err := r.GetSession(ctx, tok)
	if err != nil {
		return nil, err
	}
	const q = `SELECT id, session_id, member_id, organization_id, recorded_at
		FROM attendance_records WHERE session_id = $1 ORDER BY recorded_at`
	rows, err := r.pool.Query(ctx, q, s.ID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()
	var list []models.AttendanceRecord
	for rows.Next() {
		rec := models.AttendanceRecord{SessionToken: s.Token}
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.MemberID, &rec.OrganizationID, &rec.RecordedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}
