// Command spinnerd is the plate-spinner background daemon.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nishu-builder/plate-spinner/internal/config"
	"github.com/nishu-builder/plate-spinner/internal/daemon"
	"github.com/nishu-builder/plate-spinner/internal/logging"
)

// Version is set at build time
var Version = "dev"

func main() {
	exitCode := run()
	os.Exit(exitCode)
}

func run() (exitCode int) {
	// Top-level panic recovery
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	if err := logging.Init(logging.Config{
		Level:     cfg.Daemon.SlogLevel(),
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       getEnv(),
		Version:   Version,
		LogFile:   cfg.Daemon.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	daemon.Version = Version
	d, err := daemon.New(cfg)
	if err != nil {
		logging.Error("failed to initialize daemon", "error", err)
		return 1
	}

	logging.Info("starting spinnerd",
		"version", Version,
		"port", cfg.Daemon.Port,
		"database", cfg.Daemon.Database,
		"summarizer", cfg.Summarizer.Enabled,
		"sentry", cfg.Daemon.SentryDSN != "",
	)

	if err := d.Run(); err != nil {
		logging.Error("daemon error", "error", err)
		return 1
	}

	return 0
}

func getEnv() string {
	if env := os.Getenv("PLATE_SPINNER_ENV"); env != "" {
		return env
	}
	return "development"
}
