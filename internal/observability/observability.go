package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/rs/zerolog/log"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

const instrumentationName = "rankbee/engine"

var (
	initOnce sync.Once

	engineTracer trace.Tracer

	refreshDuration     metric.Float64Histogram
	refreshTotal        metric.Int64Counter
	analyticsFetchTotal metric.Int64Counter
	adsRequestTotal     metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "rankbee"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Traces are optional; keep serving without them
			log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		} else {
			spanExporter = exp
			log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		engineTracer = tracerProvider.Tracer(instrumentationName)
		if err := initEngineInstruments(meterProvider); err != nil {
			log.Warn().Err(err).Msg("Failed to create engine instruments")
		}
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initEngineInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	refreshDuration, err = meter.Float64Histogram(
		"rankbee.refresh.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to refresh one keyword position"),
	)
	if err != nil {
		return err
	}

	refreshTotal, err = meter.Int64Counter(
		"rankbee.refresh.total",
		metric.WithDescription("Counts keyword refresh outcomes"),
	)
	if err != nil {
		return err
	}

	analyticsFetchTotal, err = meter.Int64Counter(
		"rankbee.analytics.fetch.total",
		metric.WithDescription("Counts search analytics window fetches by outcome"),
	)
	if err != nil {
		return err
	}

	adsRequestTotal, err = meter.Int64Counter(
		"rankbee.ads.request.total",
		metric.WithDescription("Counts keyword volume requests per country group"),
	)
	return err
}

// RefreshSpanInfo describes the attributes used when starting a keyword refresh span.
type RefreshSpanInfo struct {
	RunID     string
	KeywordID int64
	Domain    string
	Country   string
	Device    string
	Scraper   string
}

// RefreshMetrics describes a finished keyword refresh.
type RefreshMetrics struct {
	Scraper  string
	Outcome  string
	Duration time.Duration
}

// StartRefreshSpan starts a span for a single keyword refresh.
func StartRefreshSpan(ctx context.Context, info RefreshSpanInfo) (context.Context, trace.Span) {
	t := engineTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}

	attrs := []attribute.KeyValue{
		attribute.String("refresh.run_id", info.RunID),
		attribute.Int64("keyword.id", info.KeywordID),
		attribute.String("keyword.domain", info.Domain),
		attribute.String("keyword.country", info.Country),
		attribute.String("keyword.device", info.Device),
		attribute.String("scraper.name", info.Scraper),
	}

	return t.Start(ctx, "refresh.keyword", trace.WithAttributes(attrs...))
}

// RecordRefresh emits refresh metrics when instrumentation is initialised.
func RecordRefresh(ctx context.Context, m RefreshMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("scraper.name", m.Scraper),
		attribute.String("refresh.outcome", m.Outcome),
	)

	if refreshDuration != nil {
		refreshDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if refreshTotal != nil {
		refreshTotal.Add(ctx, 1, attrs)
	}
}

// RecordAnalyticsFetch counts one analytics window fetch.
func RecordAnalyticsFetch(ctx context.Context, window string, err error) {
	if analyticsFetchTotal == nil {
		return
	}
	analyticsFetchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("analytics.window", window),
		attribute.String("analytics.outcome", outcome(err)),
	))
}

// RecordAdsRequest counts one per-country ads batch request.
func RecordAdsRequest(ctx context.Context, country string, err error) {
	if adsRequestTotal == nil {
		return
	}
	adsRequestTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ads.country", country),
		attribute.String("ads.outcome", outcome(err)),
	))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
