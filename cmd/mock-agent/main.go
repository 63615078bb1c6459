// Command mock-agent simulates a desktop automation agent for local
// development and end-to-end testing. It registers with the orchestrator,
// heartbeats, accepts jobs, walks their steps, and reports results through
// the status callback.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/logger"
)

func main() {
	var (
		name         = flag.String("name", "mock-agent-1", "agent name")
		user         = flag.String("user", "mockuser", "session user label")
		port         = flag.Int("port", 9090, "port to listen on")
		orchestrator = flag.String("orchestrator", "http://127.0.0.1:8080", "orchestrator base URL")
		apps         = flag.String("apps", "", "comma-separated supported application substrings (empty = all)")
		failJobs     = flag.Bool("fail", false, "report every job as failed")
		stepDelay    = flag.Duration("step-delay", 100*time.Millisecond, "simulated duration per step")
		heartbeat    = flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "text", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newMockAgent(mockAgentOptions{
		Name:            *name,
		User:            *user,
		Port:            *port,
		OrchestratorURL: *orchestrator,
		SupportedApps:   splitApps(*apps),
		FailJobs:        *failJobs,
		StepDelay:       *stepDelay,
	}, log)

	if err := a.register(ctx); err != nil {
		log.Error("registration failed", zap.Error(err))
		os.Exit(1)
	}
	go a.heartbeatLoop(ctx, *heartbeat)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: a.routes(),
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()

	log.Info("mock agent listening",
		zap.String("name", *name),
		zap.Int("port", *port),
		zap.String("orchestrator", *orchestrator))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
