package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/e7canasta/drive-recorder/internal/config"
	"github.com/e7canasta/drive-recorder/internal/core"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults when empty)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	replay := flag.String("replay", "", "Replay a recorded telemetry file instead of reading the serial port")
	cameraSource := flag.String("camera", "", "Override camera source (mock, videotestsrc, v4l2src, libcamerasrc)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *replay != "" {
		cfg.Sensor.ReplayFile = *replay
	}
	if *cameraSource != "" {
		cfg.Camera.Source = *cameraSource
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log, *debug)

	slog.Info("starting drive recorder",
		"config", *configPath,
		"debug", *debug,
		"replay", cfg.Sensor.ReplayFile,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	pipeline, err := core.New(cfg)
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	// Run pipeline in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- pipeline.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal, replay end or startup error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			slog.Error("pipeline error", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown
	budget := pipeline.ShutdownBudget()
	slog.Info("shutting down gracefully", "timeout", budget)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), budget)
	defer shutdownCancel()

	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("drive recorder stopped successfully")
}

// setupLogger installs the default slog handler
func setupLogger(cfg config.LogConfig, debug bool) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
