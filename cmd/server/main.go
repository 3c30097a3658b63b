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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/engine"
	"github.com/skypro1111/stream-transcriber/internal/gateway"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/server"
	"github.com/skypro1111/stream-transcriber/internal/session"
	"github.com/skypro1111/stream-transcriber/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "stream-transcriber"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file (ignored if missing)")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("ws_port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_sessions", cfg.Sessions.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("window_bytes", cfg.Audio.WindowBytes()),
		slog.Int("queue_depth", cfg.Gateway.QueueDepth),
		slog.Bool("vad_enabled", cfg.VAD.Enabled),
		slog.String("engine_endpoint", cfg.Engine.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Load the engine before accepting any client
	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.Engine.GetTimeoutDuration())
	eng, err := engine.Load(loadCtx, engine.HTTPConfig{
		Endpoint:       cfg.Engine.Endpoint,
		HealthURL:      cfg.Engine.HealthURL,
		APIKey:         cfg.Engine.APIKey,
		Model:          cfg.Engine.Model,
		Timeout:        cfg.Engine.GetTimeoutDuration(),
		MaxRetries:     cfg.Engine.MaxRetries,
		Reentrant:      cfg.Engine.Reentrant,
		ResponseFormat: cfg.Engine.ResponseFormat,
	}, logger)
	loadCancel()
	if err != nil {
		logger.Error("Failed to load transcription engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	gw := gateway.New(eng, gateway.Config{
		QueueDepth:    cfg.Gateway.QueueDepth,
		Workers:       cfg.Gateway.Workers,
		SubmitTimeout: cfg.Gateway.GetSubmitTimeoutDuration(),
		Language:      cfg.Engine.Language,
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
	}, logger, appMetrics)
	gw.Start()

	registry := session.NewRegistry(cfg.Sessions.MaxSessions, logger, appMetrics)

	reaper := session.NewReaper(registry, session.ReaperConfig{
		IdleTimeout:   cfg.Sessions.GetIdleTimeoutDuration(),
		SweepInterval: cfg.Sessions.GetSweepIntervalDuration(),
	}, logger, appMetrics)
	go reaper.Run(ctx)

	handlerConfig := session.HandlerConfig{WindowBytes: cfg.Audio.WindowBytes()}
	if cfg.VAD.Enabled {
		gate, err := vad.NewGate(cfg.VAD.Threshold, cfg.VAD.FrameSize)
		if err != nil {
			logger.Error("Failed to create silence gate", slog.String("error", err.Error()))
			os.Exit(1)
		}
		handlerConfig.Gate = gate
		logger.Info("Silence gate enabled",
			slog.Float64("threshold", float64(cfg.VAD.Threshold)),
			slog.Int("frame_size", cfg.VAD.FrameSize),
		)
	}
	handler := session.NewHandler(registry, gw, handlerConfig, logger, appMetrics)

	wsServer := server.NewWebSocketServer(&cfg.Server, handler, logger)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, registry, gw, eng, prometheus.DefaultGatherer, logger, appMetrics)
	}

	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", wsServer.Addr()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new uploads)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Close streaming sessions, then stop the reaper
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}
	cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping transcription gateway", slog.String("error", err.Error()))
	}

	stats := gw.Stats()
	logger.Info("Final gateway statistics",
		slog.Uint64("submitted", stats.Submitted),
		slog.Uint64("processed", stats.Processed),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("rejected", stats.Rejected),
	)

	if handlerConfig.Gate != nil {
		gateStats := handlerConfig.Gate.GetStats()
		logger.Info("Final silence gate statistics",
			slog.Uint64("total_windows", gateStats.TotalWindows),
			slog.Uint64("voice_windows", gateStats.VoiceWindows),
			slog.Float64("voice_percentage", gateStats.VoicePercentage),
		)
	}

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
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
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
