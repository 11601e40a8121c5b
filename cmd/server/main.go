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

	"github.com/lexiqai/voice-coach/internal/config"
	"github.com/lexiqai/voice-coach/internal/exchange"
	"github.com/lexiqai/voice-coach/internal/observability"
	"github.com/lexiqai/voice-coach/internal/resilience"
	"github.com/lexiqai/voice-coach/internal/session"
	"github.com/lexiqai/voice-coach/internal/tts"
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
		Str("exchange_url", cfg.ExchangeURL).
		Str("asr_provider", cfg.ASRProvider).
		Bool("synthesis_enabled", cfg.SynthURL != "").
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice coach service starting")

	breakerReset := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	exchangeClient := exchange.NewClient(exchange.Options{
		URL:     cfg.ExchangeURL,
		APIKey:  cfg.ExchangeAPIKey,
		Timeout: time.Duration(cfg.ExchangeTimeout) * time.Second,
	}, resilience.NewCircuitBreaker("exchange", cfg.CircuitBreakerMaxFailures, breakerReset), nil, logger)

	services := session.Services{
		Exchange:        exchangeClient,
		DeepgramBreaker: resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, breakerReset),
	}

	checks := map[string]observability.HealthCheckFunc{
		"exchange": exchangeClient.HealthCheck,
	}

	if cfg.SynthURL != "" {
		synthClient := tts.NewClient(tts.Options{
			URL:           cfg.SynthURL,
			APIKey:        cfg.SynthAPIKey,
			VoiceID:       cfg.SynthVoiceID,
			ModelID:       cfg.SynthModelID,
			Timeout:       time.Duration(cfg.SynthTimeout) * time.Second,
			RetryAttempts: cfg.SynthRetryAttempts,
		}, resilience.NewCircuitBreaker("synthesis", cfg.CircuitBreakerMaxFailures, breakerReset), logger)
		services.Synth = synthClient
		checks["synthesis"] = synthClient.HealthCheck
	}

	if cfg.ASRProvider == config.ASRProviderDeepgram {
		// No live call here to avoid API costs; the key is validated on first use
		checks["deepgram"] = func(ctx context.Context) (bool, error) {
			if cfg.DeepgramAPIKey == "" {
				return false, fmt.Errorf("DEEPGRAM_API_KEY is not set")
			}
			if services.DeepgramBreaker.GetState() == resilience.StateOpen {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		}
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Browser voice WebSocket
	voice := session.NewHandler(cfg, services)
	mux.Handle("/ws/voice", voice)

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/voice", cfg.Port)).
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

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are invisible to server.Shutdown
	if err := voice.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Voice sessions did not close in time")
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
