// Package main implements a mock worker binary that speaks the AnyWork
// worker HTTP protocol: /prepare, /chat (SSE), /cancel, /health, plus the
// workspace and session history endpoints. It streams simulated agent
// responses for rapid feature testing and e2e tests, so the control plane
// can be exercised end to end without a real agent runtime.
//
// Point the static driver at it:
//
//	DRIVER=static STATIC_WORKER_URL=http://localhost:8001 anywork
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

	"github.com/searle-dev/anywork/internal/common/logger"
)

// Command-line flags
var (
	portFlag      = flag.Int("port", 8001, "Worker port")
	modelFlag     = flag.String("model", "mock-default", "Response pacing (mock-fast, mock-default, mock-slow)")
	logLevelFlag  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     *logFormatFlag,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	worker := newMockWorker(*modelFlag, log)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *portFlag),
		Handler: worker.routes(),
	}

	go func() {
		log.Info("mock worker listening",
			zap.Int("port", *portFlag),
			zap.String("model", *modelFlag))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	fmt.Printf("AnyWork mock worker running on :%d (model %s)\n", *portFlag, *modelFlag)
	fmt.Println("Send /error, /slow <duration>, /thinking, /tool:<name>, /all or /multi-turn for deterministic scenarios.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock worker...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	log.Info("mock worker stopped")
}
