package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chap-sh/chap/internal/api"
	"github.com/chap-sh/chap/internal/config"
	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/db"
	"github.com/chap-sh/chap/internal/limits"
	"github.com/chap-sh/chap/internal/logging"
)

// chap-api is the stateless operator API worker. It holds no node
// sessions: every task it dispatches goes through the durable store, and
// chapd's poller moves it onto a live socket.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chap-api"
	}
	if err := cfg.Validate("chap-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	services := core.NewServices(pool, core.Collaborators{
		Resources: limits.NewCascade(),
		Ports:     limits.NewPortAllocator(pool, cfg.PortRangeStart, cfg.PortRangeEnd),
		Hook:      core.NopHook{},
		Live:      core.NoLive{},
	}, logger)

	srv := api.NewServer(logger, pool, services, nil, nil)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting API worker")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
