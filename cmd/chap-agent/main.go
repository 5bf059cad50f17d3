package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/chap-sh/chap/internal/agent"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/chap/agent.yaml", "Path to the agent configuration file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "chap-agent").Logger()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info().Msg("shutting down")
		cancel()
	}()

	runtime := agent.NewDockerRuntime(cfg.DockerBin, logger)
	runner := agent.NewRunner(runtime, logger)
	client := agent.NewClient(cfg, runner, version, logger)

	logger.Info().Str("server", cfg.ServerURL).Str("version", version).Msg("starting agent")
	if err := client.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("agent exited")
	}
}
