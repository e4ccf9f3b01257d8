package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ethshot-chat/auth"
	"ethshot-chat/internal"
	"ethshot-chat/moderation"
	"ethshot-chat/observability"
	"ethshot-chat/ratelimit"
	"ethshot-chat/runtime"
	"ethshot-chat/runtime/workers"
	"ethshot-chat/server"
	"ethshot-chat/storage"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
)

// Exit codes to provide meaningful status to the operating system or
// service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Chat server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting, so every defer (database close, worker
// shutdown) executes before the process exits.
func run() (int, error) {
	// 1. Configuration & logger
	_ = godotenv.Load()

	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := internal.LoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	options := badger.DefaultOptions(config.BadgerFilepath).
		WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Core components
	verifier, err := auth.NewVerifier(config.JWTPublicKey, config.JWTSecret, logger)
	if err != nil {
		return exitConfig, fmt.Errorf("token verifier: %w", err)
	}

	censoredChar, err := config.CharacterRune()
	if err != nil {
		return exitConfig, err
	}
	words, err := moderation.DefaultWords()
	if err != nil {
		return exitRuntime, fmt.Errorf("loading censored words: %w", err)
	}
	censor, err := moderation.NewModerator(words, censoredChar)
	if err != nil {
		return exitRuntime, fmt.Errorf("building censor: %w", err)
	}
	guard := moderation.NewGuard(config.MaxMessageLength, censor)

	limiter := ratelimit.NewLimiter(config.RateLimitCount, config.RateLimitWindow)
	registry := runtime.NewRegistry()
	broadcaster := runtime.NewBroadcaster(logger, registry)
	gateway := storage.NewBadgerGateway(db, logger, config.RoomCapacity)
	monitoring := observability.NewMonitoringManager(logger)

	manager := server.NewManager(logger, server.Options{
		GatewayTimeout: config.GatewayTimeout,
		HistoryLimit:   config.HistoryLimit,
		SendBufferSize: config.SendBufferSize,
		ReadLimit:      config.ReadLimitBytes,
	}, verifier, guard, limiter, registry, broadcaster, gateway, monitoring)

	// 4. Background workers under supervision
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := workers.NewSupervisor(logger)
	supervisor.Add(workers.NewReaperWorker(logger, manager, config.IdleTimeout))
	supervisor.Add(workers.NewHeartbeatWorker(logger, monitoring, 5*time.Second))

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		supervisor.Run(ctx)
	}()

	// 5. HTTP/WebSocket surface
	srv := server.NewServer(logger, config.Addr(), manager)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			<-supervisorDone
			return exitRuntime, fmt.Errorf("listener failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "err", err)
	}
	supervisor.Stop()
	<-supervisorDone

	logger.Log(context.Background(), slog.LevelInfo, "Chat server stopped")
	return exitOK, nil
}
