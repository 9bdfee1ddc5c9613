package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/rankbee/internal/config"
	"github.com/Harvey-AU/rankbee/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg)

	if setupSentry(cfg) {
		defer sentry.Flush(2 * time.Second)
	}

	var obsProviders *observability.Providers
	if cfg.ObservabilityEnabled {
		var shutdown func()
		obsProviders, shutdown = setupObservability(cfg)
		defer shutdown()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to initialise application")
	}
	defer a.Close()

	a.Start(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           observability.WrapHandler(a.Handler(), obsProviders),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		cancel()
		close(done)
	}()

	log.Info().
		Str("port", cfg.Port).
		Str("health", fmt.Sprintf("http://localhost:%s/health", cfg.Port)).
		Msg("Starting server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

// setupSentry initialises error tracking and reports whether it is active.
func setupSentry(cfg *config.Config) bool {
	if cfg.SentryDSN == "" {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Env,
		TracesSampleRate: func() float64 {
			if cfg.Env == "production" {
				return 0.1 // 10% sampling in production
			}
			return 1.0
		}(),
		AttachStacktrace: true,
		Debug:            cfg.Env == "development",
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise Sentry")
		return false
	}
	log.Info().Str("environment", cfg.Env).Msg("Sentry initialised successfully")
	return true
}

// setupObservability starts the OpenTelemetry providers and the Prometheus
// metrics server. The returned func flushes and stops both.
func setupObservability(cfg *config.Config) (*observability.Providers, func()) {
	providers, err := observability.Init(context.Background(), observability.Config{
		Enabled:        true,
		ServiceName:    "rankbee",
		Environment:    cfg.Env,
		OTLPEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
		OTLPHeaders:    cfg.ParseOTLPHeaders(),
		OTLPInsecure:   cfg.OTLPInsecure,
		MetricsAddress: cfg.MetricsAddr,
	})
	if err != nil || providers == nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
		return nil, func() {}
	}

	var metricsSrv *http.Server
	if providers.MetricsHandler != nil && cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           providers.MetricsHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	return providers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
			}
		}
		if err := providers.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
		}
	}
}

// setupLogging configures the logging system
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "rankbee").
		Logger()
}
