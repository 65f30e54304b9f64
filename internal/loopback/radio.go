// Package loopback connects an officer's transmitter directly to member receivers in one
// process. It stands in for the platform radio in the embedded simulator.
package loopback

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
)

// ErrNotAdvertising is returned by StopAdvertising when nothing is on the air.
var ErrNotAdvertising = errors.New("loopback: not advertising")

const defaultBuffer = 16

// Radio delivers every advertisement to every subscribed receiver. Slow receivers drop
// detections rather than block the transmitter, as a real radio would.
type Radio struct {
	mu      sync.Mutex
	current *models.Advertisement
	subs    map[chan models.Detection]struct{}
	rssi    int
	now     func() time.Time
	logger  *zap.Logger
}

// NewRadio creates a loopback radio reporting a fixed signal strength.
func NewRadio(rssi int, logger *zap.Logger) *Radio {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Radio{subs: make(map[chan models.Detection]struct{}), rssi: rssi, now: time.Now, logger: logger}
}

// Advertise implements broadcast.Advertiser.
func (r *Radio) Advertise(_ context.Context, adv models.Advertisement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &adv
	det := models.Detection{Namespace: adv.Namespace, Major: adv.Major, Minor: adv.Minor, RSSI: r.rssi, SeenAt: r.now()}
	for ch := range r.subs {
		select {
		case ch <- det:
		default:
			r.logger.Debug("loopback receiver full, detection dropped", zap.Stringer("advertisement", adv))
		}
	}
	return nil
}

// StopAdvertising implements broadcast.Advertiser.
func (r *Radio) StopAdvertising(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ErrNotAdvertising
	}
	r.current = nil
	return nil
}

// OnAir returns the advertisement being transmitted, if any.
func (r *Radio) OnAir() (models.Advertisement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return models.Advertisement{}, false
	}
	return *r.current, true
}

// Detections implements scanner.DetectionSource. The channel is closed once ctx is done.
func (r *Radio) Detections(ctx context.Context) (<-chan models.Detection, error) {
	ch := make(chan models.Detection, defaultBuffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	context.AfterFunc(ctx, func() {
		r.mu.Lock()
		delete(r.subs, ch)
		close(ch)
		r.mu.Unlock()
	})
	return ch, nil
}
