package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/propeluphigh/mend-server/internal/config"
	"github.com/propeluphigh/mend-server/internal/engine"
	"github.com/propeluphigh/mend-server/internal/metrics"
	"github.com/propeluphigh/mend-server/internal/profile"
	"github.com/propeluphigh/mend-server/internal/server"
	"github.com/propeluphigh/mend-server/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "mend-server"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("bind_address", cfg.HTTP.Address),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("profiles_dir", cfg.Profiles.Dir),
		slog.Float64("confidence_floor", cfg.Engine.ConfidenceFloor),
		slog.Duration("session_idle_timeout", cfg.Session.GetIdleTimeout()),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Open the speaker profile store
	store, err := profile.NewStore(cfg.Profiles.Dir)
	if err != nil {
		logger.Error("Failed to open profile store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	profiles, err := store.List()
	if err != nil {
		logger.Error("Failed to list profiles", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Profile store opened",
		slog.String("dir", store.Dir()),
		slog.Int("profiles", len(profiles)),
	)

	// Initialize the speech engine
	engineConfig := engine.DefaultBuiltinConfig()
	engineConfig.VoiceThreshold = cfg.Engine.VoiceThreshold
	engineConfig.EnrollTargetFrames = cfg.Engine.EnrollTargetFrames
	eng, err := engine.NewBuiltin(engineConfig)
	if err != nil {
		logger.Error("Failed to create speech engine", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Speech engine initialized",
		slog.Float64("voice_threshold", engineConfig.VoiceThreshold),
		slog.Int("enroll_target_frames", engineConfig.EnrollTargetFrames),
	)

	// Initialize session manager
	sessionMgr := session.NewManager(logger, session.Config{
		IdleTimeout:     cfg.Session.GetIdleTimeout(),
		MaxFeedBytes:    cfg.Session.MaxFeedBytes,
		ConfidenceFloor: cfg.Engine.ConfidenceFloor,
	}, eng, store, appMetrics)
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
	)

	// Initialize and start the HTTP API server
	httpServer := server.NewHTTPServer(logger, cfg, sessionMgr, store, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop session manager (parks unfinished enrollments, releases engines)
	sessionMgr.Stop()

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
