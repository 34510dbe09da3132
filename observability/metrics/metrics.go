package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const queueAttr = "queue"

// Recorder counts message-delivery outcomes per queue. A nil Recorder is
// valid and records nothing, so callers never have to branch on whether
// metrics are configured.
type Recorder struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	received     metric.Int64Counter
	processed    metric.Int64Counter
	failed       metric.Int64Counter
	released     metric.Int64Counter
	deadLettered metric.Int64Counter
	reclaimed    metric.Int64Counter
	extended     metric.Int64Counter
	duration     metric.Float64Histogram
}

type config struct {
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
}

type Option func(*config)

func WithServiceName(name string) Option {
	return func(c *config) {
		c.serviceName = name
	}
}

func WithServiceNamespace(namespace string) Option {
	return func(c *config) {
		c.serviceNamespace = namespace
	}
}

func WithServiceVersion(version string) Option {
	return func(c *config) {
		c.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(c *config) {
		c.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint, which takes
// precedence over the HTTP endpoint when both are configured.
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(c *config) {
		c.otlpGRPCEndpoint = endpoint
	}
}

func WithEnvironment(env string) Option {
	return func(c *config) {
		c.environment = env
	}
}

func defaultConfig() *config {
	return &config{
		serviceName:      "unknown-service",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
	}
}

// NewRecorder builds a recorder that exports over OTLP on a 10s interval
// and registers its provider as the global one. The returned cleanup
// flushes and shuts the provider down.
func NewRecorder(opts ...Option) (*Recorder, func(), error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.otlpGRPCEndpoint == "" && cfg.otlpEndpoint == "" {
		return nil, nil, fmt.Errorf("metrics: an OTLP HTTP or gRPC endpoint is required")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.serviceName),
			semconv.ServiceNamespace(cfg.serviceNamespace),
			semconv.ServiceVersion(cfg.serviceVersion),
			semconv.DeploymentEnvironment(cfg.environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	if cfg.otlpGRPCEndpoint != "" {
		exporter, err = otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(cfg.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("metrics: create OTLP gRPC exporter: %w", err)
		}
	} else {
		exporter, err = otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(cfg.otlpEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("metrics: create OTLP HTTP exporter: %w", err)
		}
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
	)
	otel.SetMeterProvider(meterProvider)

	rec, err := newRecorder(meterProvider.Meter(cfg.serviceName))
	if err != nil {
		_ = meterProvider.Shutdown(context.Background())
		return nil, nil, err
	}
	rec.meterProvider = meterProvider

	return rec, func() {
		_ = meterProvider.Shutdown(context.Background())
	}, nil
}

// NewRecorderWithProvider builds a recorder on an existing meter
// provider, for services that already run an OpenTelemetry SDK.
func NewRecorderWithProvider(provider metric.MeterProvider) (*Recorder, error) {
	return newRecorder(provider.Meter("go-events"))
}

func newRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{meter: meter}

	instruments := []struct {
		counter     *metric.Int64Counter
		name        string
		description string
	}{
		{&r.received, "events_received_total", "Messages fetched from a queue"},
		{&r.processed, "events_processed_total", "Messages whose handler succeeded"},
		{&r.failed, "events_failed_total", "Messages whose handler failed or panicked"},
		{&r.released, "events_released_total", "Messages handed back for redelivery"},
		{&r.deadLettered, "events_dead_lettered_total", "Messages routed to a dead-letter queue"},
		{&r.reclaimed, "events_reclaimed_total", "In-flight messages recovered after their visibility expired"},
		{&r.extended, "events_visibility_extended_total", "Visibility extensions applied to in-flight messages"},
	}
	for _, inst := range instruments {
		counter, err := meter.Int64Counter(inst.name,
			metric.WithDescription(inst.description),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, fmt.Errorf("metrics: create counter %s: %w", inst.name, err)
		}
		*inst.counter = counter
	}

	duration, err := meter.Float64Histogram("events_handler_duration_seconds",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create histogram events_handler_duration_seconds: %w", err)
	}
	r.duration = duration
	return r, nil
}

// Close flushes and shuts down the provider owned by NewRecorder; it is
// a no-op for recorders built on an external provider.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil || r.meterProvider == nil {
		return nil
	}
	return r.meterProvider.Shutdown(ctx)
}

func (r *Recorder) Received(ctx context.Context, queue string, count int) {
	if r == nil {
		return
	}
	r.received.Add(ctx, int64(count), metric.WithAttributes(attribute.String(queueAttr, queue)))
}

func (r *Recorder) Processed(ctx context.Context, queue string, took time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(queueAttr, queue))
	r.processed.Add(ctx, 1, attrs)
	r.duration.Record(ctx, took.Seconds(), attrs)
}

func (r *Recorder) Failed(ctx context.Context, queue string, took time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(queueAttr, queue))
	r.failed.Add(ctx, 1, attrs)
	r.duration.Record(ctx, took.Seconds(), attrs)
}

func (r *Recorder) Released(ctx context.Context, queue string) {
	if r == nil {
		return
	}
	r.released.Add(ctx, 1, metric.WithAttributes(attribute.String(queueAttr, queue)))
}

func (r *Recorder) DeadLettered(ctx context.Context, queue string) {
	if r == nil {
		return
	}
	r.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String(queueAttr, queue)))
}

func (r *Recorder) Reclaimed(ctx context.Context, queue string) {
	if r == nil {
		return
	}
	r.reclaimed.Add(ctx, 1, metric.WithAttributes(attribute.String(queueAttr, queue)))
}

func (r *Recorder) Extended(ctx context.Context, queue string) {
	if r == nil {
		return
	}
	r.extended.Add(ctx, 1, metric.WithAttributes(attribute.String(queueAttr, queue)))
}
