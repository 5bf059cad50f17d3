package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chap-sh/chap/internal/config"
	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/db"
	"github.com/chap-sh/chap/internal/logging"
	"github.com/chap-sh/chap/internal/maintenance"
)

// chap-maintenance runs the liveness sweep and orphan cleanup. A cycle
// whose notifications partially fail still counts as a completed cycle;
// only local faults (config, database connectivity) exit non-zero.
func main() {
	onceFlag := flag.Bool("once", false, "Run a single maintenance cycle and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chap-maintenance"
	}
	if err := cfg.Validate("chap-maintenance"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info().Msg("shutting down")
		cancel()
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	services := core.NewServices(pool, core.Collaborators{Live: core.NoLive{}}, logger)
	sweeper := maintenance.NewSweeper(services, cfg.OfflineGrace, logger)
	runner := maintenance.NewRunner(sweeper, cfg.SweepInterval, os.Stdout, logger)

	if *onceFlag {
		if err := runner.RunOnce(ctx); err != nil {
			logger.Fatal().Err(err).Msg("maintenance cycle failed")
		}
		return
	}

	logger.Info().Dur("interval", cfg.SweepInterval).Msg("starting maintenance loop")
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("maintenance loop exited")
	}
}
