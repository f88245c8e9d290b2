package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenflow/transcribe-gateway/internal/asr"
	"github.com/lumenflow/transcribe-gateway/internal/audio"
	"github.com/lumenflow/transcribe-gateway/internal/config"
	"github.com/lumenflow/transcribe-gateway/internal/httpapi"
	"github.com/lumenflow/transcribe-gateway/internal/observability"
	"github.com/lumenflow/transcribe-gateway/internal/session"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("route_prefix", cfg.RoutePrefix).
		Str("asr_backend", cfg.AsrBackend).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("transcribe-gateway starting")

	client, err := buildAsrClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build asr client")
	}

	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessions:        cfg.MaxSessions,
		SweepInterval:      time.Duration(cfg.SweepIntervalMs) * time.Millisecond,
		IdleTimeout:        time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		TerminalEventGrace: time.Duration(cfg.TerminalEventGraceMs) * time.Millisecond,
		MaxSessionDuration: time.Duration(cfg.MaxSessionDurationMs) * time.Millisecond,
		SessionCfg: session.Config{
			MaxPendingChunks: cfg.MaxPendingChunks,
			MaxPendingFrames: cfg.MaxPendingFrames,
			MaxPendingEvents: cfg.MaxPendingEvents,
			IdleTimeout:      time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
			AcceptTimeout:    time.Duration(cfg.AcceptTimeoutMs) * time.Millisecond,
		},
		AssemblerCfg: audio.Config{
			InputSampleRateHz:  cfg.InputSampleRateHz,
			InputChannels:      cfg.InputChannels,
			TargetSampleRateHz: cfg.TargetSampleRateHz,
			TargetFrameSamples: cfg.TargetSampleRateHz * cfg.TargetFrameMs / 1000,
			NormalizeMode:      audio.ParseNormalizeMode(cfg.NormalizeMode),
		},
		AsrProfile: asr.Profile{
			SampleRateHz: cfg.TargetSampleRateHz,
			Language:     cfg.AsrLanguage,
		},
	}, client, logger)

	// Create HTTP server
	mux := http.NewServeMux()

	handler := httpapi.NewHandler(registry, httpapi.Options{
		DisableAutoCreateOnChunk: !cfg.AutoCreateOnChunk,
		SSEKeepalive:             time.Duration(cfg.SSEKeepaliveMs) * time.Millisecond,
	}, logger)
	handler.Register(mux, cfg.RoutePrefix)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(func(ctx context.Context) (bool, error) {
		return client.Healthy(ctx)
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. WriteTimeout is deliberately unset:
	// the events route holds a long-lived SSE stream open for a session's
	// full lifetime, which a fixed write deadline would cut off mid-stream.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Give live sessions a chance to drain in-flight frames and finish
	// cleanly before force-closing whatever is left.
	registry.Shutdown(time.Duration(cfg.ShutdownGraceMs) * time.Millisecond)

	logger.Info().Msg("Server exited gracefully")
}

func buildAsrClient(cfg *config.Config) (asr.Client, error) {
	switch cfg.AsrBackend {
	case "deepgram":
		return asr.NewDeepgramClient(asr.DeepgramConfig{
			APIKey:                     cfg.DeepgramAPIKey,
			Model:                      cfg.DeepgramModel,
			Language:                   cfg.DeepgramLanguage,
			OpenMaxRetries:             cfg.AsrOpenMaxRetries,
			OpenInitialBackoff:         time.Duration(cfg.AsrOpenInitialBackoffMs) * time.Millisecond,
			HeartbeatTimeout:           time.Duration(cfg.AsrHeartbeatTimeoutMs) * time.Millisecond,
			MaxPendingFrames:           cfg.MaxPendingFrames,
			CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
			CircuitBreakerResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		}), nil
	case "grpc":
		return asr.NewGrpcClient(asr.GrpcConfig{
			Endpoint:                   cfg.AsrEndpoint,
			TLSEnabled:                 cfg.AsrTLSEnabled,
			OpenMaxRetries:             cfg.AsrOpenMaxRetries,
			OpenInitialBackoff:         time.Duration(cfg.AsrOpenInitialBackoffMs) * time.Millisecond,
			IdlePingInterval:           time.Duration(cfg.AsrIdlePingMs) * time.Millisecond,
			HeartbeatTimeout:           time.Duration(cfg.AsrHeartbeatTimeoutMs) * time.Millisecond,
			MaxPendingFrames:           cfg.MaxPendingFrames,
			CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
			CircuitBreakerResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown ASR_BACKEND %q", cfg.AsrBackend)
	}
}
