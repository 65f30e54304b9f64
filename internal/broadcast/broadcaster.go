// Package broadcast runs the officer side of an attendance session: create the session,
// advertise its encoded beacon payload until the officer stops it or it expires.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/organizations"
	"github.com/aura-chapters/proximity/internal/registry"
)

var (
	ErrNotIdle        = errors.New("broadcast: a session is already in progress")
	ErrNotAdvertising = errors.New("broadcast: no session is advertising")
	ErrSessionEnded   = errors.New("broadcast: session expired before it could be stopped")
)

const (
	DefaultAdvertiseInterval = time.Second
	DefaultCountdownInterval = time.Minute
	expiryStopTimeout        = 10 * time.Second
)

// State is the broadcaster's lifecycle state.
type State int

const (
	Idle State = iota
	Creating
	Advertising
	Stopping
	Expiring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Creating:
		return "creating"
	case Advertising:
		return "advertising"
	case Stopping:
		return "stopping"
	case Expiring:
		return "expiring"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Advertiser is the platform radio's transmit capability.
type Advertiser interface {
	// Advertise starts or refreshes transmission of adv.
	Advertise(ctx context.Context, adv models.Advertisement) error
	StopAdvertising(ctx context.Context) error
}

// SessionRegistry is the registry surface the broadcaster needs.
type SessionRegistry interface {
	CreateSession(ctx context.Context, p registry.CreateSessionParams) (*models.Session, error)
	StopSession(ctx context.Context, tok string) (registry.StopResult, error)
}

// Config holds the broadcaster's deployment settings.
type Config struct {
	Namespace         uuid.UUID
	AdvertiseInterval time.Duration
	CountdownInterval time.Duration
}

// StartRequest is what the officer supplies to open a session.
type StartRequest struct {
	OrgSlug   string
	Title     string
	StartsAt  time.Time
	Duration  time.Duration
	CreatedBy uuid.UUID
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithClock sets the local clock used for the expiry timer and countdown.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// OnStateChange registers a callback invoked after every transition.
func OnStateChange(fn func(State)) Option {
	return func(b *Broadcaster) { b.onState = fn }
}

// OnCountdown registers a callback invoked on every countdown tick.
func OnCountdown(fn func(Countdown)) Option {
	return func(b *Broadcaster) { b.onCountdown = fn }
}

// Broadcaster owns at most one advertised session at a time.
type Broadcaster struct {
	registry SessionRegistry
	dir      organizations.Directory
	radio    Advertiser
	cfg      Config
	logger   *zap.Logger

	now         func() time.Time
	onState     func(State)
	onCountdown func(Countdown)

	stopMu  sync.Mutex
	mu      sync.Mutex
	state   State
	session *models.Session
	adv     models.Advertisement
	halted  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an idle broadcaster.
func New(reg SessionRegistry, dir organizations.Directory, radio Advertiser, cfg Config, logger *zap.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AdvertiseInterval <= 0 {
		cfg.AdvertiseInterval = DefaultAdvertiseInterval
	}
	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = DefaultCountdownInterval
	}
	b := &Broadcaster{
		registry: reg,
		dir:      dir,
		radio:    radio,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state.
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Session returns a copy of the session being broadcast, or nil.
func (b *Broadcaster) Session() *models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	s := *b.session
	return &s
}

// Advertisement returns the payload being transmitted.
func (b *Broadcaster) Advertisement() (models.Advertisement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adv, b.state == Advertising
}

// Countdown returns the local remaining-time view of the current session.
func (b *Broadcaster) Countdown() (Countdown, bool) {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil {
		return Countdown{}, false
	}
	return Countdown{SessionID: s.ID, EndsAt: s.EndsAt, Now: b.now()}, true
}

// validateStart checks req against now. The broadcaster advertises as soon as it starts, so a
// session starting later is refused rather than advertised before it opens.
func validateStart(req StartRequest, now time.Time) error {
	verr := &registry.ValidationError{FieldErrors: map[string]string{}}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		verr.FieldErrors["title"] = "required"
	} else if len(title) > 255 {
		verr.FieldErrors["title"] = "must be at most 255 characters"
	}
	if req.Duration < time.Second {
		verr.FieldErrors["duration"] = "must be at least one second"
	}
	if req.StartsAt.After(now) {
		verr.FieldErrors["starts_at"] = "must not be in the future"
	}
	if len(verr.FieldErrors) > 0 {
		return verr
	}
	return nil
}

// Start creates a session and begins advertising it. Nothing is transmitted unless the
// session was created and its payload encoded; on any failure the broadcaster is Idle again.
func (b *Broadcaster) Start(ctx context.Context, req StartRequest) (*models.Session, error) {
	b.mu.Lock()
	if b.state != Idle {
		b.mu.Unlock()
		return nil, ErrNotIdle
	}
	b.state = Creating
	b.mu.Unlock()
	b.notify(Creating)

	s, adv, err := b.create(ctx, req)
	if err != nil {
		b.reset()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.state = Advertising
	b.session = s
	b.adv = adv
	b.halted = false
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()
	b.notify(Advertising)

	go b.run(loopCtx, *s, adv, done)
	b.logger.Info("session advertising",
		zap.String("session_id", s.ID.String()),
		zap.Uint16("major", uint16(adv.Major)),
		zap.Uint16("minor", uint16(adv.Minor)),
		zap.Time("ends_at", s.EndsAt),
	)
	out := *s
	return &out, nil
}

func (b *Broadcaster) create(ctx context.Context, req StartRequest) (*models.Session, models.Advertisement, error) {
	var adv models.Advertisement
	if err := validateStart(req, b.now()); err != nil {
		return nil, adv, err
	}
	org, err := b.dir.GetBySlug(ctx, req.OrgSlug)
	if err != nil {
		return nil, adv, fmt.Errorf("resolve organization %q: %w", req.OrgSlug, err)
	}
	if org.BeaconCode == 0 {
		return nil, adv, ErrReservedCode
	}
	if b.cfg.Namespace == uuid.Nil {
		return nil, adv, ErrNoNamespace
	}

	s, err := b.registry.CreateSession(ctx, registry.CreateSessionParams{
		OrganizationID:  org.ID,
		Title:           req.Title,
		StartsAt:        req.StartsAt,
		DurationSeconds: int(req.Duration / time.Second),
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		return nil, adv, fmt.Errorf("create session: %w", err)
	}

	adv, err = Encode(b.cfg.Namespace, org.BeaconCode, s.Token)
	if err != nil {
		b.abandon(ctx, s)
		return nil, adv, fmt.Errorf("encode advertisement: %w", err)
	}
	if err := b.radio.Advertise(ctx, adv); err != nil {
		b.abandon(ctx, s)
		return nil, adv, fmt.Errorf("start advertising: %w", err)
	}
	return s, adv, nil
}

// abandon stops a session that was created but never advertised.
func (b *Broadcaster) abandon(ctx context.Context, s *models.Session) {
	if _, err := b.registry.StopSession(ctx, s.Token); err != nil {
		b.logger.Error("stop abandoned session", zap.String("session_id", s.ID.String()), zap.Error(err))
		return
	}
	b.logger.Warn("abandoned session before advertising", zap.String("session_id", s.ID.String()))
}

// Stop halts transmission and marks the session stopped in the registry before returning.
// If the registry call fails the broadcaster stays in Stopping and Stop may be retried.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	b.mu.Lock()
	switch b.state {
	case Expiring:
		done := b.done
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return ErrSessionEnded
	case Advertising:
		b.state = Stopping
		b.mu.Unlock()
		b.notify(Stopping)
		b.mu.Lock()
	case Stopping:
	default:
		b.mu.Unlock()
		return ErrNotAdvertising
	}
	s, cancel, done, halted := b.session, b.cancel, b.done, b.halted
	b.mu.Unlock()

	cancel()
	<-done
	if !halted {
		if err := b.radio.StopAdvertising(ctx); err != nil {
			return fmt.Errorf("stop advertising: %w", err)
		}
		b.mu.Lock()
		b.halted = true
		b.mu.Unlock()
	}

	res, err := b.registry.StopSession(ctx, s.Token)
	if err != nil {
		b.logger.Warn("stop session in registry failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		return fmt.Errorf("stop session: %w", err)
	}
	if res == registry.StopNotFound {
		b.logger.Warn("registry no longer knows the session", zap.String("session_id", s.ID.String()))
	}
	b.logger.Info("session stopped", zap.String("session_id", s.ID.String()))
	b.reset()
	return nil
}

func (b *Broadcaster) reset() {
	b.mu.Lock()
	b.state = Idle
	b.session = nil
	b.adv = models.Advertisement{}
	b.cancel = nil
	b.mu.Unlock()
	b.notify(Idle)
}

func (b *Broadcaster) notify(s State) {
	if b.onState != nil {
		b.onState(s)
	}
}

// run owns every timer of one session: re-advertisement, countdown and expiry. They all end
// together when ctx is cancelled or the session expires.
func (b *Broadcaster) run(ctx context.Context, s models.Session, adv models.Advertisement, done chan struct{}) {
	defer close(done)
	readvertise := time.NewTicker(b.cfg.AdvertiseInterval)
	defer readvertise.Stop()
	countdown := time.NewTicker(b.cfg.CountdownInterval)
	defer countdown.Stop()
	expiry := time.NewTimer(s.Remaining(b.now()))
	defer expiry.Stop()

	b.tick(s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-readvertise.C:
			if err := b.radio.Advertise(ctx, adv); err != nil && ctx.Err() == nil {
				b.logger.Warn("re-advertise failed", zap.String("session_id", s.ID.String()), zap.Error(err))
			}
		case <-countdown.C:
			b.tick(s)
		case <-expiry.C:
			b.expire(s)
			return
		}
	}
}

func (b *Broadcaster) tick(s models.Session) {
	if b.onCountdown == nil {
		return
	}
	b.onCountdown(Countdown{SessionID: s.ID, EndsAt: s.EndsAt, Now: b.now()})
}

// expire runs on the session goroutine when the local timer reaches EndsAt. A concurrent
// Stop that already moved the state on wins.
func (b *Broadcaster) expire(s models.Session) {
	b.mu.Lock()
	if b.state != Advertising {
		b.mu.Unlock()
		return
	}
	b.state = Expiring
	b.mu.Unlock()
	b.notify(Expiring)

	ctx, cancel := context.WithTimeout(context.Background(), expiryStopTimeout)
	defer cancel()
	if err := b.radio.StopAdvertising(ctx); err != nil {
		b.logger.Error("stop advertising on expiry", zap.String("session_id", s.ID.String()), zap.Error(err))
	}
	if _, err := b.registry.StopSession(ctx, s.Token); err != nil {
		b.logger.Warn("mark expired session stopped", zap.String("session_id", s.ID.String()), zap.Error(err))
	}
	b.logger.Info("session expired", zap.String("session_id", s.ID.String()))
	b.reset()
}
