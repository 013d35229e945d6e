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

	"github.com/nlipchat/voice-relay/internal/config"
	"github.com/nlipchat/voice-relay/internal/observability"
	"github.com/nlipchat/voice-relay/internal/relay"
	"github.com/nlipchat/voice-relay/internal/stt"
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
		Str("stt_provider", cfg.STTProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Relay Service starting")

	// Select the speech provider
	var adapter stt.Adapter
	switch cfg.STTProvider {
	case "deepgram":
		adapter = stt.NewDeepgramClient(cfg)
	default:
		adapter = stt.NewGoogleClient(cfg)
	}

	// Session router pairing push subscribers with recognition streams
	router := relay.NewRouter(adapter, relay.RouterConfig{
		SubscriberWaitAttempts: cfg.SubscriberWaitAttempts,
		SubscriberWaitDelay:    time.Duration(cfg.SubscriberWaitDelayMs) * time.Millisecond,
	})

	// Create HTTP server
	mux := http.NewServeMux()

	// Register the relay wire protocol
	relayServer := relay.NewServer(router, adapter, cfg)
	relayServer.Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint - create health check functions here to avoid import cycles
	checks := map[string]observability.HealthCheckFunc{
		adapter.Name(): func(ctx context.Context) (bool, error) {
			// Config validation only; no billable API call
			if adapter == nil {
				return false, fmt.Errorf("speech adapter not configured")
			}
			return true, nil
		},
	}
	if cfg.NLIPEndpoint != "" {
		checks["nlip"] = func(ctx context.Context) (bool, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.NLIPEndpoint, nil)
			if err != nil {
				return false, err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return false, err
			}
			resp.Body.Close()
			return resp.StatusCode < 500, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server. SSE subscriptions stay open for the life of a
	// recording, so only the header read and idle keep-alive are bounded.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/stream/{sessionId}", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Close live subscriptions and recognition streams first so Shutdown's
	// drain does not wait on open SSE connections.
	router.Shutdown()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
