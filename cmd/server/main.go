// Package main runs the attendance registry HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-chapters/proximity/config"
	"github.com/aura-chapters/proximity/internal/attendance"
	"github.com/aura-chapters/proximity/internal/auth"
	"github.com/aura-chapters/proximity/internal/middleware"
	"github.com/aura-chapters/proximity/internal/organizations"
	"github.com/aura-chapters/proximity/internal/realtime"
	"github.com/aura-chapters/proximity/internal/registry"
	"github.com/aura-chapters/proximity/internal/security"
	"github.com/aura-chapters/proximity/internal/sessions"
	"github.com/aura-chapters/proximity/pkg/database"
	"github.com/aura-chapters/proximity/pkg/queue"
	"github.com/aura-chapters/proximity/pkg/redis"
	"github.com/aura-chapters/proximity/pkg/response"
	"github.com/aura-chapters/proximity/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RostersBucket:        cfg.AWS.RostersBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	// Organizations: ORG_CODES pins the code table and is written through to the database so
	// sessions can reference it. Otherwise rows are provisioned outside this service.
	orgRepo := organizations.NewRepository(pool)
	var dir organizations.Directory = orgRepo
	if cfg.Beacon.OrgCodes != "" {
		orgs, err := organizations.ParseCodes(cfg.Beacon.OrgCodes)
		if err != nil {
			logger.Fatal("org codes", zap.Error(err))
		}
		static, err := organizations.NewStaticDirectory(orgs)
		if err != nil {
			logger.Fatal("org codes", zap.Error(err))
		}
		for _, org := range static.List() {
			org := org
			if err := orgRepo.Ensure(ctx, &org); err != nil {
				logger.Fatal("seed organization", zap.String("slug", org.Slug), zap.Error(err))
			}
		}
		logger.Info("organizations seeded", zap.Int("count", len(static.List())))
		dir = static
	}
	orgHandler := organizations.NewHandler(dir)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Sessions and attendance
	reg := registry.NewPostgres(pool, registry.NewTokenSource(logger), logger)
	validator := security.NewValidator(security.NewRedisCache(rdb.Client), cfg.Beacon.DuplicateWindow, logger)
	recorder := attendance.NewRecorder(reg, validator, logger)
	sessionHandler := sessions.NewHandler(reg, dir, recorder, hub, logger)

	// Roster exports (S3-backed; processed by cmd/worker)
	if s3Client != nil {
		sessionHandler.SetRosterExports(queue.NewQueue(rdb.Client, logger), s3Client)
	}

	wsVerify := func(token string) (realtime.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{UserID: claims.UserID, OrganizationID: claims.OrganizationID, Role: claims.Role}, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins()))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/organizations/:slug", orgHandler.GetBySlug)
		api.GET("/organization-codes/:code", orgHandler.ResolveCode)
		sessionHandler.RegisterRoutes(api)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, wsVerify))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
