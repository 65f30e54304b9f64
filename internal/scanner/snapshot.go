package scanner

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/registry"
	"github.com/aura-chapters/proximity/internal/token"
)

// snapshot is one organization's active sessions indexed by token hash. Never mutated after
// construction; a refresh builds a new one.
type snapshot struct {
	orgID     uuid.UUID
	fetchedAt time.Time
	byHash    map[models.TokenHash][]Candidate
}

type snapshots map[uuid.UUID]*snapshot

func buildSnapshot(orgID uuid.UUID, sessions []models.Session, fetchedAt time.Time, logger *zap.Logger) *snapshot {
	list := append([]models.Session(nil), sessions...)
	registry.SortSessions(list)
	snap := &snapshot{orgID: orgID, fetchedAt: fetchedAt, byHash: make(map[models.TokenHash][]Candidate, len(list))}
	for _, s := range list {
		if err := token.ValidateShape(s.Token); err != nil {
			logger.Warn("skipping active session with malformed token",
				zap.String("session_id", s.ID.String()), zap.String("organization_id", orgID.String()))
			continue
		}
		h := token.EncodeHash(s.Token)
		snap.byHash[h] = append(snap.byHash[h], Candidate{
			SessionID: s.ID,
			Token:     token.Normalize(s.Token),
			Title:     s.Title,
			StartsAt:  s.StartsAt,
			EndsAt:    s.EndsAt,
		})
	}
	return snap
}

// candidates returns the sessions under h whose window [StartsAt, EndsAt) contains now. A
// snapshot outlives the sessions it lists, so the window is checked on every lookup.
func (s *snapshot) candidates(h models.TokenHash, now time.Time) []Candidate {
	var found []Candidate
	for _, c := range s.byHash[h] {
		if now.Before(c.StartsAt) || !now.Before(c.EndsAt) {
			continue
		}
		found = append(found, c)
	}
	return found
}

func (s *snapshot) fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.fetchedAt) < maxAge
}
