package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/shared"
)

func main() {
	logger := shared.NewLogger(nil)

	if err := shared.LoadEnv(); err != nil {
		logger.Warn("failed to load .env", "error", err)
	}

	config := shared.DefaultConfig()
	if _, err := os.Stat("config.toml"); err == nil {
		if loadedConfig, err := shared.LoadConfig("config.toml"); err == nil {
			config = loadedConfig
		} else {
			logger.Warn("ignoring invalid config.toml", "error", err)
		}
	}
	config.ApplyEnv()
	shared.SetLogLevel(logger, shared.ParseLevel(config.Logging.Level))

	runner := NewRunner(RunnerOpts{
		Config: config,
		Logger: logger,
	})

	app := &cli.Command{
		Name:     "crate",
		Usage:    "Find, review and clean up duplicate tracks in a music library",
		Version:  "0.1.0",
		Commands: runner.register(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()

	if closeErr := runner.Close(); closeErr != nil {
		logger.Warn("failed to close database", "error", closeErr)
	}

	if err != nil {
		var diag *shared.DiagnosticError
		if errors.As(err, &diag) {
			logger.Error("analysis did not complete", "code", diag.Code, "message", diag.Message)
			os.Exit(1)
		}
		logger.Fatalf("application error: %v", err)
	}
}
