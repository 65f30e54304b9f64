package scanner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/realtime"
)

// EventListener subscribes to one organization's realtime room and calls handle for each
// event until ctx is done or the connection drops. realtime.Listen fits once the server URL
// and a credential are bound.
type EventListener func(ctx context.Context, orgID uuid.UUID, handle func(event string, data json.RawMessage)) error

// HandleEvent applies a realtime event from orgID's room. Session lifecycle changes drop the
// organization's snapshot so the next detection sees them without waiting for a refresh.
func (s *Scanner) HandleEvent(orgID uuid.UUID, event string) {
	switch event {
	case realtime.EventSessionStarted, realtime.EventSessionStopped:
		s.logger.Debug("session lifecycle event", zap.String("organization_id", orgID.String()), zap.String("event", event))
		s.Invalidate(orgID)
	}
}

// Follow listens to the room of every organization the member belongs to until ctx is
// done. A dropped connection is retried after the refresh interval.
func (s *Scanner) Follow(ctx context.Context, listen EventListener) error {
	var wg sync.WaitGroup
	for orgID := range s.members {
		wg.Add(1)
		go func(orgID uuid.UUID) {
			defer wg.Done()
			s.follow(ctx, orgID, listen)
		}(orgID)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scanner) follow(ctx context.Context, orgID uuid.UUID, listen EventListener) {
	for {
		err := listen(ctx, orgID, func(event string, _ json.RawMessage) { s.HandleEvent(orgID, event) })
		if ctx.Err() != nil {
			return
		}
		// Events sent while disconnected are lost.
		s.Invalidate(orgID)
		if err != nil {
			s.logger.Warn("organization events disconnected", zap.String("organization_id", orgID.String()), zap.Error(err))
		}

		timer := time.NewTimer(s.cfg.RefreshInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
