// Package main runs the watch-together sync server: HTTP API, WebSocket
// endpoint and the in-process persistence worker, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/couchsync/backend/config"
	"github.com/couchsync/backend/internal/identity"
	"github.com/couchsync/backend/internal/middleware"
	"github.com/couchsync/backend/internal/playsync"
	"github.com/couchsync/backend/internal/realtime"
	"github.com/couchsync/backend/internal/sessions"
	"github.com/couchsync/backend/internal/sessionstore"
	"github.com/couchsync/backend/internal/videometa"
	"github.com/couchsync/backend/internal/worker"
	"github.com/couchsync/backend/pkg/database"
	"github.com/couchsync/backend/pkg/queue"
	"github.com/couchsync/backend/pkg/redis"
	"github.com/couchsync/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg := config.Load()
	gin.SetMode(cfg.Server.Mode)

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

	jwtService := identity.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Persistence pipeline: engine writes go through the Redis job queue;
	// the processor drains it into Postgres.
	storeRepo := sessionstore.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	persister := worker.NewQueuePersister(jobQueue, logger)
	persistProcessor := worker.NewPersistProcessor(storeRepo, jobQueue, logger)

	// Videos
	videoRepo := videometa.NewRepository(pool)
	videoHandler := videometa.NewHandler(videoRepo)

	// Sync engine
	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	svc := playsync.NewService(engineCtx, playsync.Config{
		SampleWindow:           cfg.Sync.SampleWindow,
		HeartbeatSweepInterval: cfg.Sync.HeartbeatSweepInterval,
		EvictionThreshold:      cfg.Sync.EvictionThreshold,
		CleanupInterval:        cfg.Sync.CleanupInterval,
		SessionTTL:             cfg.Sync.SessionTTL,
		DefaultMaxParticipants: cfg.Sync.DefaultMaxParticipants,
	}, hub, persister, videoRepo, logger)

	sessionHandler := sessions.NewHandler(svc, storeRepo)
	identityHandler := identity.NewHandler(jwtService)

	jwtValidate := func(token string) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "active_sessions": svc.ActiveSessions()})
	})

	// Auth (public; dev token mint)
	router.POST("/auth/token", identityHandler.Token)

	// Public session lookup so a shared code resolves before authenticating.
	router.GET("/sessions/code/:code", sessionHandler.GetByCode)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/videos", videoHandler.Create)
		api.GET("/videos/:id", videoHandler.GetByID)

		api.POST("/sessions", sessionHandler.Create)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.GET("/sessions/:id/participants", sessionHandler.Participants)
		api.GET("/sessions/:id/events", sessionHandler.Events)
		api.DELETE("/sessions/:id", sessionHandler.End)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, svc, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	// In-process persistence worker; cmd/worker runs the same loop standalone.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go persistProcessor.Run(workerCtx)
	logger.Info("persistence worker started")

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	svc.Close()
	workerCancel()
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
