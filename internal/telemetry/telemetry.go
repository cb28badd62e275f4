// Package telemetry wires the OpenTelemetry meter provider and the trader's instruments.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultServiceName = "meltica-trader"
	serviceVersion     = "0.1.0"
	defaultEnvironment = "dev"
	defaultEndpoint    = "localhost:4318"
	defaultInterval    = 15 * time.Second
)

var environment atomic.Value

// Config selects whether and where metrics are exported.
type Config struct {
	Enabled        bool
	EnableMetrics  bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	MetricInterval time.Duration
	ServiceName    string
	Environment    string
}

// DefaultConfig reads the standard OTEL_* variables. Export is off unless
// OTEL_ENABLED=true.
func DefaultConfig() Config {
	cfg := Config{
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
		EnableMetrics:  os.Getenv("OTEL_METRICS_ENABLED") != "false",
		OTLPEndpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTLPInsecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		MetricInterval: defaultInterval,
		ServiceName:    strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")),
		Environment:    strings.TrimSpace(os.Getenv("TRADER_ENV")),
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = defaultEndpoint
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	return cfg
}

// Provider owns the meter provider when export is enabled.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// NewProvider records the environment label and, when enabled, installs an
// OTLP/HTTP meter provider as the global one.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	setEnvironment(cfg.Environment)
	if !cfg.Enabled || !cfg.EnableMetrics {
		return &Provider{}, nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceNameOr(cfg.ServiceName)),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", Environment()),
		),
		resource.WithProcessRuntimeName(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(histogramViews()...),
	)
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp}, nil
}

// Shutdown flushes pending metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// Meter returns a named meter, falling back to the global provider when export is off.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p == nil || p.mp == nil {
		return otel.Meter(name, opts...)
	}
	return p.mp.Meter(name, opts...)
}

func histogramViews() []sdkmetric.View {
	return []sdkmetric.View{
		msHistogram(MetricDispatchDuration, []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100}),
		msHistogram(MetricSubmitDuration, []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}),
	}
}

func msHistogram(name string, bounds []float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram, Unit: "ms"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
	)
}

// stripScheme drops an http(s):// prefix; the exporter wants host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	for _, scheme := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, scheme)
	}
	return strings.TrimSuffix(endpoint, "/")
}

func serviceNameOr(name string) string {
	if strings.TrimSpace(name) == "" {
		return defaultServiceName
	}
	return name
}

func setEnvironment(env string) {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		env = defaultEnvironment
	}
	environment.Store(env)
}

// Environment is the label attached to every trader metric.
func Environment() string {
	if env, ok := environment.Load().(string); ok {
		return env
	}
	return defaultEnvironment
}
