// Package main runs an officer and several members in one process over a loopback radio,
// against the in-memory registry. Useful for exercising the protocol without devices.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-chapters/proximity/config"
	"github.com/aura-chapters/proximity/internal/attendance"
	"github.com/aura-chapters/proximity/internal/auth"
	"github.com/aura-chapters/proximity/internal/broadcast"
	"github.com/aura-chapters/proximity/internal/loopback"
	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/organizations"
	"github.com/aura-chapters/proximity/internal/realtime"
	"github.com/aura-chapters/proximity/internal/registry"
	"github.com/aura-chapters/proximity/internal/scanner"
	"github.com/aura-chapters/proximity/internal/security"
)

const (
	members      = 3
	sessionTitle = "Chapter Meeting"
	sessionLen   = 60 * time.Minute
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	codes := cfg.Beacon.OrgCodes
	if codes == "" {
		codes = "demo-chapter:1"
	}
	orgs, err := organizations.ParseCodes(codes)
	if err != nil || len(orgs) == 0 {
		logger.Fatal("org codes", zap.Error(err), zap.String("org_codes", codes))
	}
	dir, err := organizations.NewStaticDirectory(orgs)
	if err != nil {
		logger.Fatal("org codes", zap.Error(err))
	}
	org, err := dir.GetBySlug(context.Background(), orgs[0].Slug)
	if err != nil {
		logger.Fatal("organization", zap.Error(err))
	}

	reg := registry.NewMemory(logger, registry.WithDirectory(dir))
	radio := loopback.NewRadio(-55, logger)
	validator := security.NewValidator(security.NewMemoryCache(1024, time.Now), cfg.Beacon.DuplicateWindow, logger)
	recorder := attendance.NewRecorder(reg, validator, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	hub := realtime.NewHub(logger, nil, nil)
	wsURL, shutdown, err := serveRooms(hub, jwtService, logger)
	if err != nil {
		logger.Fatal("room server", zap.Error(err))
	}
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var recorded sync.WaitGroup
	recorded.Add(members)
	for i := 0; i < members; i++ {
		memberID := uuid.New()
		sc := scanner.New(dir, reg, scanner.Config{
			Namespace:       cfg.Beacon.Namespace,
			Memberships:     []uuid.UUID{org.ID},
			RefreshInterval: cfg.Beacon.RefreshInterval,
		}, logger.With(zap.String("member_id", memberID.String())))
		credential, err := jwtService.Generate(memberID, org.ID, models.RoleMember)
		if err != nil {
			logger.Fatal("member credential", zap.Error(err))
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = sc.Follow(ctx, func(ctx context.Context, orgID uuid.UUID, handle func(string, json.RawMessage)) error {
				return realtime.Listen(ctx, wsURL, orgID, credential, handle)
			})
		}()
		go func() {
			defer wg.Done()
			var once sync.Once
			err := sc.Run(ctx, radio, func(res scanner.Resolution) {
				switch res.Outcome {
				case scanner.OutcomeResolved:
					tok, _ := res.Token()
					result, err := recorder.Submit(ctx, tok, memberID)
					if err != nil {
						logger.Debug("submission suppressed", zap.String("member_id", memberID.String()), zap.Error(err))
						return
					}
					logger.Info("attendance submitted", zap.String("member_id", memberID.String()), zap.Stringer("result", result))
					if result == registry.Success || result == registry.AlreadyRecorded {
						once.Do(recorded.Done)
					}
				case scanner.OutcomeAmbiguous:
					logger.Info("several sessions match, member must choose", zap.Int("candidates", len(res.Candidates)))
				case scanner.OutcomeFetchFailed:
					logger.Warn("active session fetch failed", zap.Error(res.Err))
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("scanner stopped", zap.Error(err))
			}
		}()
	}

	officer := broadcast.New(reg, dir, radio, broadcast.Config{
		Namespace:         cfg.Beacon.Namespace,
		AdvertiseInterval: cfg.Beacon.AdvertiseInterval,
		CountdownInterval: cfg.Beacon.CountdownInterval,
	}, logger,
		broadcast.OnStateChange(func(s broadcast.State) { logger.Info("broadcaster state", zap.Stringer("state", s)) }),
		broadcast.OnCountdown(func(c broadcast.Countdown) {
			logger.Info("session countdown", zap.Int("minutes_remaining", c.RemainingMinutes()))
		}),
	)
	session, err := officer.Start(ctx, broadcast.StartRequest{OrgSlug: org.Slug, Title: sessionTitle, Duration: sessionLen})
	if err != nil {
		logger.Fatal("start session", zap.Error(err))
	}
	logger.Info("session advertising", zap.String("session_id", session.ID.String()), zap.String("organization", org.Slug))
	hub.BroadcastToOrganization(org.ID, realtime.EventSessionStarted, gin.H{"session_id": session.ID})

	allRecorded := make(chan struct{})
	go func() {
		recorded.Wait()
		close(allRecorded)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-allRecorded:
		logger.Info("every member checked in")
	case <-quit:
	}

	if err := officer.Stop(context.Background()); err != nil {
		logger.Warn("stop session", zap.Error(err))
	}
	hub.BroadcastToOrganization(org.ID, realtime.EventSessionStopped, gin.H{"session_id": session.ID})
	cancel()
	wg.Wait()

	roster, err := reg.ListAttendance(context.Background(), session.Token)
	if err != nil {
		logger.Fatal("roster", zap.Error(err))
	}
	logger.Info("simulation finished", zap.Int("attendance_records", len(roster)))
}

// serveRooms exposes the hub's organization rooms on a loopback port so member scanners
// follow session lifecycle events the way they would against the server.
func serveRooms(hub *realtime.Hub, jwtService *auth.JWTService, logger *zap.Logger) (string, func(), error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", realtime.ServeWs(hub, logger, func(token string) (realtime.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{UserID: claims.UserID, OrganizationID: claims.OrganizationID, Role: claims.Role}, nil
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("room server", zap.Error(err))
		}
	}()
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return "ws://" + ln.Addr().String() + "/ws", shutdown, nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
