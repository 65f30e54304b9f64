package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/pkg/queue"
)

// ErrForeignSession is returned when a job names a session outside its organization.
var ErrForeignSession = errors.New("worker: session does not belong to organization")

// Jobs is the queue surface the exporter consumes.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Roster reads a session and its attendance records.
type Roster interface {
	GetSession(ctx context.Context, tok string) (*models.Session, error)
	ListAttendance(ctx context.Context, tok string) ([]models.AttendanceRecord, error)
}

// RosterStore persists rendered rosters.
type RosterStore interface {
	UploadRoster(ctx context.Context, orgID, sessionID uuid.UUID, body io.Reader) (string, error)
}

// ExportLog records completed exports. Optional.
type ExportLog interface {
	RecordExport(ctx context.Context, sessionID uuid.UUID, key string, count int) error
}

// RosterExporter processes roster export jobs: load attendance, render CSV, upload to S3.
type RosterExporter struct {
	jobs    Jobs
	roster  Roster
	store   RosterStore
	exports ExportLog
	logger  *zap.Logger
	backoff time.Duration
}

// NewRosterExporter creates a roster export processor. exports may be nil.
func NewRosterExporter(jobs Jobs, roster Roster, store RosterStore, exports ExportLog, logger *zap.Logger) *RosterExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterExporter{
		jobs:    jobs,
		roster:  roster,
		store:   store,
		exports: exports,
		logger:  logger,
		backoff: queue.RetryBackoff,
	}
}

// Process executes one roster export job.
func (p *RosterExporter) Process(ctx context.Context, job *queue.Job) error {
	payload, err := queue.DecodeRosterExport(job)
	if err != nil {
		return err
	}

	session, err := p.roster.GetSession(ctx, payload.SessionToken)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session.OrganizationID != payload.OrganizationID || session.ID != payload.SessionID {
		return ErrForeignSession
	}
	records, err := p.roster.ListAttendance(ctx, payload.SessionToken)
	if err != nil {
		return fmt.Errorf("list attendance: %w", err)
	}

	body, err := RenderCSV(session, records)
	if err != nil {
		return fmt.Errorf("render roster: %w", err)
	}
	key, err := p.store.UploadRoster(ctx, session.OrganizationID, session.ID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if p.exports != nil {
		if err := p.exports.RecordExport(ctx, session.ID, key, len(records)); err != nil {
			p.logger.Error("record roster export failed", zap.Error(err), zap.String("session_id", session.ID.String()))
			return fmt.Errorf("update db: %w", err)
		}
	}

	p.logger.Info("roster export completed",
		zap.String("session_id", session.ID.String()),
		zap.String("s3_key", key),
		zap.Int("records", len(records)),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. It returns when ctx is done.
func (p *RosterExporter) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("roster export worker stopping")
			return
		}

		job, _, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *RosterExporter) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var csvHeader = []string{"session_id", "session_title", "member_id", "recorded_at"}

// RenderCSV renders records oldest first. The session token is never written out.
func RenderCSV(session *models.Session, records []models.AttendanceRecord) ([]byte, error) {
	sorted := append([]models.AttendanceRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RecordedAt.Before(sorted[j].RecordedAt)
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range sorted {
		row := []string{
			session.ID.String(),
			session.Title,
			r.MemberID.String(),
			r.RecordedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
