package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/heisenworks/applyos/internal/adapters/browser"
	"github.com/heisenworks/applyos/internal/adapters/duckdb"
	"github.com/heisenworks/applyos/internal/adapters/inspector"
	"github.com/heisenworks/applyos/internal/adapters/providers"
	appconfig "github.com/heisenworks/applyos/internal/config"
	"github.com/heisenworks/applyos/internal/core/domain"
	"github.com/heisenworks/applyos/internal/core/services"
	"github.com/heisenworks/applyos/pkg/kernel"
)

const defaultWorkerImage = "ghcr.io/heisenworks/applyos-worker:latest"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting applyos kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	// Initialize Adapters
	dbPath := os.Getenv("APPLYOS_DB_PATH")
	if dbPath == "" {
		dbPath = "applyos.db"
	}

	store, err := duckdb.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	defer store.Close()

	browserMgr, err := browser.NewManager()
	if err != nil {
		return fmt.Errorf("failed to init browser manager: %w", err)
	}

	// Initialize encryption for API key storage
	secretKey, err := appconfig.NewSecretKey()
	if err != nil {
		return fmt.Errorf("failed to init secret key: %w", err)
	}

	// Settings store: loads persisted config with encrypted secrets
	settingsStore, err := appconfig.NewSettingsStore(logger, store, secretKey)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}

	cfg := settingsStore.GetConfig()

	llmProvider, err := providers.Build(cfg)
	if err != nil {
		return fmt.Errorf("failed to build provider from config: %w", err)
	}

	// Core Services
	eventBus := services.NewEventBus(logger)
	pacer := services.NewPacer()
	memory := services.NewMemoryStore(logger, store)
	resolver := services.NewResolver(logger, memory, llmProvider, cfg.Automaton.ReasoningTimeout)
	bridge := inspector.NewBridge(logger)
	automaton := services.NewAutomaton(logger, cfg.Automaton, bridge, resolver, memory, pacer, eventBus)

	workerImage := os.Getenv("APPLYOS_WORKER_IMAGE")
	if workerImage == "" {
		workerImage = defaultWorkerImage
	}
	spec := domain.WorkerSpec{
		Image:       workerImage,
		ResourceCPU: 1.0,
		ResourceMem: 2 << 30,
	}

	scheduler := services.NewScheduler(logger, cfg.Session, store, browserMgr, automaton, settingsStore, pacer, eventBus, spec)
	safety := services.NewSafetyMonitor(logger, bridge, scheduler, eventBus)
	autoStarter := services.NewAutoStarter(logger, scheduler, cfg.Session.AutoStartCron)

	// Hot-reload: when settings change, rebuild the reasoning provider
	settingsStore.OnChange(func(updated *domain.AppConfig) {
		newProvider, err := providers.Build(updated)
		if err != nil {
			logger.Error("failed to rebuild provider on settings change", "error", err)
			return
		}
		resolver.SetProvider(newProvider)
		logger.Info("reasoning provider hot-reloaded from settings change")
	})

	// Resume a session interrupted by a crash or restart
	if err := scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("session recovery failed: %w", err)
	}

	// Kernel API Server
	apiServer := kernel.NewServer(logger, scheduler, automaton, memory, settingsStore, eventBus, browserMgr, bridge.Handler)

	// CORS Configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	addr := os.Getenv("APPLYOS_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Safety monitor watches for page risks and inactivity
	g.Go(func() error {
		return safety.Run(gCtx)
	})

	// 2. Optional scheduled auto-start
	g.Go(func() error {
		return autoStarter.Run(gCtx)
	})

	// 3. API Server
	g.Go(func() error {
		logger.Info("starting api server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 4. Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			logger.Error("scheduler stop failed", "error", err)
		}

		logger.Info("shutting down api server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
