package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/sylvester-francis/everflow/engine"
	"github.com/sylvester-francis/everflow/internal/config"
)

// Set by LDFLAGS
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPathFlag := flag.String("config", "", "path to the YAML configuration file")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPathFlag)
	if err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := engine.New(ctx, engine.Options{
		Config:     cfg,
		Logger:     logger,
		AppVersion: version,
		// The daemon has no registered workflow functions; it serves the
		// admin surface and heartbeats only. Running recovery here would
		// mark every pending workflow function-unregistered.
		AdminOnly: true,
	})
	if err != nil {
		return err
	}

	if err := eng.Launch(ctx); err != nil {
		return err
	}
	logger.Info("everflowd running", slog.String("version", version), slog.String("admin", cfg.Admin.Address()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Shutdown(shutdownCtx)
}
