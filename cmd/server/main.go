package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/mobyclaw/mobyclaw/internal/agent"
	"github.com/mobyclaw/mobyclaw/internal/api"
	"github.com/mobyclaw/mobyclaw/internal/channels"
	"github.com/mobyclaw/mobyclaw/internal/config"
	"github.com/mobyclaw/mobyclaw/internal/contextopt"
	"github.com/mobyclaw/mobyclaw/internal/dashboard"
	"github.com/mobyclaw/mobyclaw/internal/heartbeat"
	"github.com/mobyclaw/mobyclaw/internal/logger"
	"github.com/mobyclaw/mobyclaw/internal/metrics"
	"github.com/mobyclaw/mobyclaw/internal/orchestrator"
	"github.com/mobyclaw/mobyclaw/internal/schedule"
	"github.com/mobyclaw/mobyclaw/internal/session"
	"github.com/mobyclaw/mobyclaw/internal/shortterm"
	"github.com/mobyclaw/mobyclaw/internal/telegram"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	startupLog := log.NewWithOptions(os.Stdout, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           log.InfoLevel,
		TimeFormat:      time.Kitchen,
	})

	appLogger := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	startupLog.Info("Setting Gin mode", "mode", cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		startupLog.Fatal("Failed to create data root", "path", cfg.Home, "error", err)
	}
	startupLog.Info("📂 data root", "path", cfg.Home)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	agentClient := agent.NewClient(cfg.AgentURL, cfg.AgentName, cfg.SocketIdleTimeout, appLogger)
	startupLog.Info("⏳ waiting for agent runtime", "url", cfg.AgentURL)
	if err := agentClient.WaitForReady(ctx, cfg.AgentReadyTimeout); err != nil {
		startupLog.Fatal("Agent runtime never became ready", "error", err)
	}
	startupLog.Info("✅ agent runtime ready")

	sessions := session.NewStore(cfg.Home, session.Options{
		MaxTurns:         cfg.MaxTurns,
		DailyResetHour:   cfg.DailyResetHour,
		IdleResetMinutes: cfg.IdleResetMinutes,
		MaxQueueSize:     cfg.MaxQueueSize,
		QueueMode:        cfg.QueueMode,
	}, appLogger, m)

	stm := shortterm.New(cfg.Home, cfg.STMMaxExchanges, cfg.STMMaxMsgLength, appLogger)

	var dash *dashboard.Client
	if cfg.DashboardURL != "" {
		dash = dashboard.NewClient(cfg.DashboardURL, cfg.ContextFetchTimeout, appLogger)
	}

	var enricher orchestrator.Enricher
	if cfg.ContextOptimizer {
		enricher = contextopt.New(cfg.Home, dash, cfg.ContextBudgetTokens, 2, appLogger)
	}

	var nc *nats.Conn
	if cfg.NatsURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			startupLog.Warn("NATS unavailable, turn events disabled", "error", err)
			nc = nil
		} else {
			startupLog.Info("✅ NATS connected", "url", cfg.NatsURL)
			defer nc.Close()
		}
	}

	orch := orchestrator.New(agentClient, sessions, stm, enricher, dash, nc, orchestrator.Options{
		RunTimeout:    cfg.RunTimeout,
		QueueDebounce: cfg.QueueDebounce,
	}, appLogger, m)
	orch.StartBusyWatchdog(ctx, time.Minute, 2*cfg.RunTimeout)

	channelStore := channels.NewStore(cfg.Home, appLogger)
	registry := channels.NewRegistry(appLogger)

	scheduleStore := schedule.NewStore(cfg.Home, appLogger)
	scheduleLoop := schedule.NewLoop(scheduleStore, registry, orch, appLogger, m)
	go scheduleLoop.Start(ctx)
	startupLog.Info("⏰ scheduler started", "pending", scheduleStore.CountPending())

	hb := heartbeat.New(orch, sessions, channelStore, cfg.Home, heartbeat.Options{
		Interval:                cfg.HeartbeatInterval,
		ActiveHours:             cfg.ActiveHours,
		Timezone:                cfg.Timezone,
		MaxFailures:             cfg.MaxHeartbeatFailures,
		ExplorationEnabled:      cfg.ExplorationEnabled,
		ExplorationFrequency:    cfg.ExplorationFrequency,
		ExplorationMaxFetches:   cfg.ExplorationMaxFetches,
		ExplorationSummaryWords: cfg.ExplorationSummaryWords,
		GatewayPort:             cfg.Port,
	}, appLogger, m)
	go hb.Start(ctx)

	if cfg.TelegramToken != "" {
		tg := telegram.NewService(telegram.Options{
			Token:        cfg.TelegramToken,
			AllowedUsers: cfg.TelegramAllowedUsers,
			ToolLabels:   cfg.ToolLabels,
		}, orch, sessions, channelStore, appLogger)
		tg.RegisterWith(registry)
		if err := tg.Start(ctx); err != nil {
			startupLog.Fatal("Failed to start Telegram adapter", "error", err)
		}
	} else {
		startupLog.Info("⚠️  Telegram adapter disabled (no token)")
	}

	server := api.NewServer(orch, sessions, scheduleStore, channelStore, registry, m, appLogger)
	router := server.Router()

	port := ":" + cfg.Port
	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	startupLog.Info("🔁 gateway listening on " + port)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLog.Fatal("Failed to start server", "error", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	startupLog.Info("🛑 Shutting down gateway...")

	cancel()
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		startupLog.Fatal("Server forced to shutdown", "error", err)
	}

	startupLog.Info("✅ Gateway exited")
}
