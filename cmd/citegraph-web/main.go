package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/app"
	"github.com/scrypster/citegraph/internal/config"
	"github.com/scrypster/citegraph/internal/logging"
	"github.com/scrypster/citegraph/internal/server"
	"github.com/scrypster/citegraph/internal/services"
	"github.com/scrypster/citegraph/web/handlers"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default: $CITEGRAPH_CONFIG)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("citegraph-web exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// run wires the components, serves until ctx is canceled and shuts down in
// reverse order.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	hub := handlers.NewWebSocketHub(cfg.Server.CORSOrigins, logger.Named("ws"))

	components := app.NewComponents(cfg, hub.BuildObserver(), logger)
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("failed to close graph cache", zap.Error(err))
		}
	}()

	deps := server.Deps{
		Graphs:    components.Engine,
		Hub:       hub,
		Upstreams: components.Client,
		Logger:    logger.Named("http"),
	}

	store, err := app.OpenSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize session storage: %w", err)
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close session store", zap.Error(err))
			}
		}()
		sessions := services.NewSessionService(components.Engine, store, logger.Named("sessions"))
		deps.Sessions = sessions
		deps.PaperSearch = sessions
	} else {
		logger.Info("session storage disabled")
	}

	srv := server.New(cfg, deps)
	addr, err := srv.Start(ctx)
	if err != nil {
		return err
	}
	logger.Info("citegraph API running",
		zap.String("url", "http://"+addr),
		zap.String("storage", cfg.Storage.Engine),
		zap.String("mode", cfg.Security.Mode),
	)

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	select {
	case <-srv.Done():
	case <-time.After(cfg.Server.ShutdownTimeout):
	}
	return nil
}
