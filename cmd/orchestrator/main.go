// Command orchestrator runs the winfleet dispatch service: ingress API,
// scheduler, health monitor, and event streaming.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/winfleet/winfleet/internal/common/config"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/common/tracing"
	"github.com/winfleet/winfleet/internal/events"
	"github.com/winfleet/winfleet/internal/orchestrator"
	"github.com/winfleet/winfleet/internal/orchestrator/api"
	"github.com/winfleet/winfleet/internal/orchestrator/streaming"
	"github.com/winfleet/winfleet/internal/session"
)

// Exit codes: 0 clean shutdown, 1 unrecoverable startup failure, 2
// configuration error.
const (
	exitOK      = 0
	exitStartup = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfig
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(tctx)
	}()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		return exitStartup
	}
	defer func() { _ = closeBus() }()

	var prov session.Provisioner
	if cfg.Docker.Enabled {
		dockerProv, err := session.NewDockerProvisioner(cfg.Docker, log)
		if err != nil {
			log.Error("failed to initialize docker provisioner", zap.Error(err))
			return exitStartup
		}
		defer func() { _ = dockerProv.Close() }()
		prov = dockerProv
	} else {
		prov = session.NewStubProvisioner()
		log.Info("docker disabled; using stub session provisioner")
	}

	service, err := orchestrator.New(cfg, prov, eventBus, log)
	if err != nil {
		log.Error("failed to build orchestrator", zap.Error(err))
		return exitStartup
	}

	hub := streaming.NewHub(log)
	if err := hub.Start(eventBus); err != nil {
		log.Error("failed to start streaming hub", zap.Error(err))
		return exitStartup
	}
	defer hub.Stop()

	if err := service.Start(ctx); err != nil {
		log.Error("failed to start orchestrator", zap.Error(err))
		return exitStartup
	}
	defer service.Stop()

	router := api.NewRouter(cfg, service, hub, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
		return exitStartup
	}
	return exitOK
}
