package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pttlink/internal/core/ports"
	handlers "pttlink/internal/handlers/http"
	"pttlink/internal/infrastructure/distributed"
	"pttlink/internal/infrastructure/middleware"
	"pttlink/internal/infrastructure/repositories/memory"
	redisrepo "pttlink/internal/infrastructure/repositories/redis"
	"pttlink/pkg/config"
	"pttlink/pkg/logger"
	"pttlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/issuerd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	slog := zl.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "pttlink-issuerd",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Fatalw("failed to initialize tracing", "error", err)
	}

	// The session feed reads the same coordination store the coordinators
	// write to. Without a store address we fall back to the in-process
	// store, which only makes sense for local development.
	var records ports.SessionRecordStore
	var presence ports.PresenceStore
	if cfg.Coordination.Address != "" {
		client, err := redisrepo.NewClient(
			cfg.Coordination.Address,
			cfg.Coordination.Password,
			cfg.Coordination.DB,
			cfg.Coordination.PoolSize,
			slog,
		)
		if err != nil {
			slog.Fatalw("failed to connect to coordination store", "error", err)
		}
		defer func() { _ = client.Close() }()
		records = redisrepo.NewSessionRecordRepository(client, slog)
		presence = distributed.NewPresenceRegistry(client, 45*time.Second, slog)
	} else {
		slog.Warn("no coordination store configured, session feed is process-local")
		records = memory.NewSessionRecordRepository()
	}

	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(slog))
	router.Use(middleware.ErrorHandlerMiddleware(slog))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	router.Use(middleware.APIKeyMiddleware(cfg.Server.APIKey))

	tokenHandler := handlers.NewTokenHandler(
		cfg.Issuer.SigningSecret,
		cfg.Issuer.AppID,
		cfg.Issuer.CredentialTTL,
		slog,
	)
	tokenHandler.SetupRoutes(router)

	feedHandler := handlers.NewSessionFeedHandler(records, presence, slog)
	feedHandler.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Infow("issuer server starting", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Fatalw("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Errorw("server shutdown failed", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		slog.Warnw("tracing shutdown failed", "error", err)
	}
}
