// Package scanner runs the member side of an attendance session: it turns beacon detections
// back into candidate session tokens using the organization's active-session list.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/organizations"
)

const (
	DefaultRefreshInterval = 15 * time.Second
)

// SessionLister is the registry surface the scanner needs.
type SessionLister interface {
	ListActiveSessions(ctx context.Context, orgID uuid.UUID) ([]models.Session, error)
}

// CodeResolver maps an advertised organization code back to an organization.
type CodeResolver interface {
	ResolveCode(ctx context.Context, code models.OrganizationCode) (*models.Organization, error)
}

// DetectionSource is the platform radio's receive capability. The channel is closed when
// ctx is cancelled.
type DetectionSource interface {
	Detections(ctx context.Context) (<-chan models.Detection, error)
}

// Config holds the scanner's deployment and member settings.
type Config struct {
	Namespace uuid.UUID
	// Memberships are the organizations the member belongs to. Detections for any other
	// organization are discarded.
	Memberships     []uuid.UUID
	RefreshInterval time.Duration
	// MaxSnapshotAge bounds how stale a snapshot may be before a detection refetches it.
	MaxSnapshotAge time.Duration
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithClock sets the clock used to age snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// Scanner resolves detections. Resolve is safe for concurrent use.
type Scanner struct {
	cfg      Config
	codes    CodeResolver
	registry SessionLister
	logger   *zap.Logger
	now      func() time.Time
	members  map[uuid.UUID]struct{}

	snaps   atomic.Pointer[snapshots]
	fetchMu sync.Mutex
}

// New creates a scanner.
func New(codes CodeResolver, reg SessionLister, cfg Config, logger *zap.Logger, opts ...Option) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.MaxSnapshotAge <= 0 {
		cfg.MaxSnapshotAge = 2 * cfg.RefreshInterval
	}
	s := &Scanner{
		cfg:      cfg,
		codes:    codes,
		registry: reg,
		logger:   logger,
		now:      time.Now,
		members:  make(map[uuid.UUID]struct{}, len(cfg.Memberships)),
	}
	for _, id := range cfg.Memberships {
		s.members[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	empty := snapshots{}
	s.snaps.Store(&empty)
	return s
}

// OnDetected resolves an advertisement already known to carry the deployment namespace.
func (s *Scanner) OnDetected(ctx context.Context, code models.OrganizationCode, hash models.TokenHash) Resolution {
	return s.Resolve(ctx, models.Detection{Namespace: s.cfg.Namespace, Major: code, Minor: hash, SeenAt: s.now()})
}

// Resolve maps a detection to zero, one or several candidate sessions.
func (s *Scanner) Resolve(ctx context.Context, det models.Detection) Resolution {
	res := Resolution{Detection: det}
	if det.Namespace != s.cfg.Namespace {
		res.Outcome = OutcomeDiscarded
		return res
	}
	org, err := s.codes.ResolveCode(ctx, det.Major)
	if errors.Is(err, organizations.ErrUnknownOrganization) {
		res.Outcome = OutcomeDiscarded
		return res
	}
	if err != nil {
		res.Outcome = OutcomeFetchFailed
		res.Err = fmt.Errorf("resolve organization code %d: %w", det.Major, err)
		return res
	}
	if _, ok := s.members[org.ID]; !ok {
		res.Outcome = OutcomeDiscarded
		return res
	}
	res.Organization = org

	snap, err := s.snapshot(ctx, org.ID)
	if err != nil {
		res.Outcome = OutcomeFetchFailed
		res.Err = err
		return res
	}
	res.Candidates = snap.candidates(det.Minor, s.now())
	switch len(res.Candidates) {
	case 0:
		res.Outcome = OutcomeNoSession
	case 1:
		res.Outcome = OutcomeResolved
	default:
		res.Outcome = OutcomeAmbiguous
		s.logger.Info("token hash collision among active sessions",
			zap.String("organization_id", org.ID.String()),
			zap.Uint16("minor", uint16(det.Minor)),
			zap.Int("candidates", len(res.Candidates)),
		)
	}
	return res
}

// snapshot returns a fresh snapshot for orgID, fetching one if needed.
func (s *Scanner) snapshot(ctx context.Context, orgID uuid.UUID) (*snapshot, error) {
	if snap, ok := (*s.snaps.Load())[orgID]; ok && snap.fresh(s.now(), s.cfg.MaxSnapshotAge) {
		return snap, nil
	}
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	// Another detection may have fetched while we waited.
	if snap, ok := (*s.snaps.Load())[orgID]; ok && snap.fresh(s.now(), s.cfg.MaxSnapshotAge) {
		return snap, nil
	}
	return s.fetchLocked(ctx, orgID)
}

func (s *Scanner) fetchLocked(ctx context.Context, orgID uuid.UUID) (*snapshot, error) {
	list, err := s.registry.ListActiveSessions(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	snap := buildSnapshot(orgID, list, s.now(), s.logger)
	s.update(func(m snapshots) { m[orgID] = snap })
	return snap, nil
}

// update swaps in a modified copy of the snapshot map.
func (s *Scanner) update(fn func(snapshots)) {
	for {
		old := s.snaps.Load()
		next := make(snapshots, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		fn(next)
		if s.snaps.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Invalidate drops the organization's snapshot so the next detection refetches it.
func (s *Scanner) Invalidate(orgID uuid.UUID) {
	s.update(func(m snapshots) { delete(m, orgID) })
}

// Refresh refetches every snapshot the scanner holds. A failed fetch keeps the old snapshot
// until it ages out.
func (s *Scanner) Refresh(ctx context.Context) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	for orgID := range *s.snaps.Load() {
		if _, err := s.fetchLocked(ctx, orgID); err != nil {
			s.logger.Warn("refresh active sessions", zap.String("organization_id", orgID.String()), zap.Error(err))
		}
	}
}

// Run consumes detections in arrival order, passing each resolution to handle, and refreshes
// snapshots on the configured interval. It returns when ctx is cancelled or the source
// closes its stream; either way the subscription is released.
func (s *Scanner) Run(ctx context.Context, source DetectionSource, handle func(Resolution)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	detections, err := source.Detections(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to detections: %w", err)
	}
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case det, ok := <-detections:
			if !ok {
				return nil
			}
			handle(s.Resolve(ctx, det))
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
