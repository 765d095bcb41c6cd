package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/internal/core/services"
	"pttlink/internal/infrastructure/distributed"
	"pttlink/internal/infrastructure/issuer"
	"pttlink/internal/infrastructure/monitoring"
	"pttlink/internal/infrastructure/refresh"
	"pttlink/internal/infrastructure/reliability"
	"pttlink/internal/infrastructure/repositories/memory"
	redisrepo "pttlink/internal/infrastructure/repositories/redis"
	"pttlink/internal/infrastructure/rtc"
	"pttlink/internal/infrastructure/securestore"
	"pttlink/pkg/circuitbreaker"
	"pttlink/pkg/config"
	"pttlink/pkg/logger"
	"pttlink/pkg/retry"
	"pttlink/pkg/tracing"
	"pttlink/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/pttlink.yaml", "path to configuration file")
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
		ServiceName: "pttlink-client",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Fatalw("failed to initialize tracing", "error", err)
	}

	var metrics ports.Metrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Infow("metrics listener starting", "address", cfg.Monitoring.Address)
			if err := http.ListenAndServe(cfg.Monitoring.Address, mux); err != nil {
				slog.Warnw("metrics listener stopped", "error", err)
			}
		}()
	}

	scope := domain.ScopeKey{
		RegionID: cfg.Participant.RegionID,
		OfficeID: cfg.Participant.OfficeID,
		Role:     domain.ParticipantRole(cfg.Participant.Role),
	}

	// Credential cache: in-memory tier over the encrypted persistent tier.
	memTier := memory.NewCredentialStore(cfg.Credentials.MemoryCacheSize)
	defer memTier.Stop()

	var persistent ports.CredentialStore
	if cfg.SecureStore.Path != "" {
		keys := securestore.NewFileKeyProvider(cfg.SecureStore.KeyFile)
		store, err := securestore.New(cfg.SecureStore.Path, keys)
		if err != nil {
			slog.Fatalw("failed to open secure credential store", "error", err)
		}
		persistent = store
	}

	issuerClient := issuer.NewClient(cfg.Issuer.BaseURL, cfg.Issuer.Timeout)
	creds := services.NewCredentialService(
		memTier,
		persistent,
		issuerClient,
		services.CredentialConfig{
			RefreshBuffer:    cfg.Credentials.RefreshBuffer,
			AnomalyPerMinute: cfg.Credentials.AnomalyPerMin,
		},
		metrics,
		slog,
	)

	participantID := domain.ParticipantID(utils.NewParticipantID(cfg.Participant.Role))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var records ports.SessionRecordStore
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
		records = reliability.NewRecordStoreWrapper(
			redisrepo.NewSessionRecordRepository(client, slog),
			retry.DefaultConfig(),
			circuitbreaker.DefaultConfig(),
			slog,
		)

		presence := distributed.NewPresenceRegistry(client, 45*time.Second, slog)
		go presence.Heartbeat(ctx, scope.SessionScope(), ports.PresenceEntry{
			ID:    participantID,
			Role:  scope.Role,
			Since: time.Now(),
		})
	} else {
		slog.Warn("no coordination store configured, session records are process-local")
		records = memory.NewSessionRecordRepository()
	}

	var rtcConfig rtc.Config
	rtcConfig.GatewayURLs = cfg.RTC.GatewayURLs
	if len(cfg.RTC.STUNServers) > 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.RTC.STUNServers}}
	}
	provider := rtc.NewPionProvider(rtcConfig, nil, slog)

	table := policyTable(cfg)
	newPolicy := func(disconnect func()) ports.PolicyEngine {
		if cfg.Policy.Predictive {
			return services.NewPredictivePolicy(table, disconnect, metrics, slog)
		}
		return services.NewStaticPolicy(table, disconnect, metrics, slog)
	}

	coordinator := services.NewSessionCoordinator(
		services.CoordinatorConfig{
			ParticipantID:  participantID,
			Scope:          scope,
			DebounceWindow: cfg.Debounce.Window,
		},
		provider,
		creds,
		records,
		newPolicy,
		metrics,
		slog,
	)

	if err := coordinator.Start(ctx); err != nil {
		slog.Fatalw("failed to start session coordinator", "error", err)
	}

	if cfg.Refresh.Enabled {
		loc := time.Local
		if cfg.Refresh.Timezone != "" && cfg.Refresh.Timezone != "Local" {
			if l, err := time.LoadLocation(cfg.Refresh.Timezone); err == nil {
				loc = l
			} else {
				slog.Warnw("unknown refresh timezone, using local", "timezone", cfg.Refresh.Timezone)
			}
		}
		scheduler := refresh.NewScheduler(creds, []domain.ScopeKey{scope}, refresh.Config{
			WindowStartHour: cfg.Refresh.WindowStart,
			WindowEndHour:   cfg.Refresh.WindowEnd,
			Location:        loc,
		}, metrics, slog)
		go scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	go printEvents(coordinator, slog)

	slog.Infow("pttlink client ready",
		"scope", scope.String(),
		"commands", "press | release | status <idle|assigned|pickup|driving|trip_done> | quit",
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			switch {
			case line == "press":
				coordinator.PressPTT()
			case line == "release":
				coordinator.ReleasePTT()
			case strings.HasPrefix(line, "status "):
				coordinator.SetStatus(domain.DriverStatus(strings.TrimPrefix(line, "status ")))
			case line == "quit":
				break loop
			case line == "":
			default:
				fmt.Println("unknown command:", line)
			}
		case <-quit:
			break loop
		}
	}

	slog.Info("shutting down")
	if err := coordinator.Close(); err != nil {
		slog.Warnw("coordinator close failed", "error", err)
	}
	_ = provider.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Warnw("tracing shutdown failed", "error", err)
	}
}

// policyTable builds the engine table from configuration, falling back to
// the production defaults for statuses the file does not mention.
func policyTable(cfg *config.Config) domain.PolicyTable {
	table := domain.DefaultPolicyTable()
	for status, rule := range cfg.Policy.Rules {
		table[domain.DriverStatus(status)] = domain.PolicyRule{
			AutoDisconnectDelay: rule.AutoDisconnectDelay,
			MaintainConnection:  rule.MaintainConnection,
			AutoReconnect:       rule.AutoReconnect,
		}
	}
	return table
}

func printEvents(coordinator ports.Coordinator, slog *zap.SugaredLogger) {
	for ev := range coordinator.Events() {
		switch e := ev.(type) {
		case domain.ConnectionChanged:
			slog.Infow("connection", "state", e.State, "reason", e.Reason)
		case domain.SpeakingChanged:
			slog.Infow("speaking", "active", e.Speaking)
		case domain.StatusChanged:
			slog.Infow("driver status", "status", e.Status)
		case domain.ErrorEvent:
			slog.Warnw("error", "key", e.Key, "message", e.Message)
		}
	}
}
