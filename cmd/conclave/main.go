package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"conclave/internal/app"
	"conclave/internal/config"
	"conclave/internal/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("conclave: %v", err)
	}
}

func run() error {
	cfgFlag := flag.String("config", "", "config file path (default: $CONCLAVE_CONFIG, then configs/config.yaml)")
	flag.Parse()

	path := *cfgFlag
	if path == "" {
		path = os.Getenv("CONCLAVE_CONFIG")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if file, err := openLogFile(cfg.App.LogPath); err != nil {
		return fmt.Errorf("opening log file: %w", err)
	} else if file != nil {
		defer file.Close()
		mw := io.MultiWriter(os.Stdout, file)
		log.SetOutput(mw)
		logger.SetOutput(mw)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	logger.Infof("✓ configuration loaded (env=%s, roles=%s)", cfg.App.Env, cfg.Roles.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	return a.Run(ctx)
}

// openLogFile creates the log directory and opens the file for append.
// An empty path means stdout only.
func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
