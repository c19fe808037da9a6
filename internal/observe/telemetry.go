package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ServiceName is reported as service.name on every metric and span.
const ServiceName = "voxbench"

// Telemetry holds the SDK providers installed by [Setup].
type Telemetry struct {
	Meters *sdkmetric.MeterProvider
	Traces *sdktrace.TracerProvider
}

type setupOptions struct {
	version  string
	exporter sdktrace.SpanExporter
	ratio    float64
	readers  []sdkmetric.Reader
	noProm   bool
}

// SetupOption configures [Setup].
type SetupOption func(*setupOptions)

// WithVersion sets service.version.
func WithVersion(v string) SetupOption {
	return func(o *setupOptions) { o.version = v }
}

// WithSpanExporter exports spans in batches. Without one, spans are recorded
// for log correlation but go nowhere.
func WithSpanExporter(e sdktrace.SpanExporter) SetupOption {
	return func(o *setupOptions) { o.exporter = e }
}

// WithSampleRatio samples root traces at ratio in [0, 1]. Child spans follow
// their parent. Default 1.
func WithSampleRatio(ratio float64) SetupOption {
	return func(o *setupOptions) { o.ratio = ratio }
}

// WithMetricReader adds a reader next to the Prometheus exporter.
func WithMetricReader(r sdkmetric.Reader) SetupOption {
	return func(o *setupOptions) { o.readers = append(o.readers, r) }
}

// withoutPrometheus skips the Prometheus exporter, whose collector registers
// with the global registry and can only be installed once per process.
func withoutPrometheus() SetupOption {
	return func(o *setupOptions) { o.noProm = true }
}

// Setup installs global meter and tracer providers plus the W3C trace-context
// propagator. Metrics are scraped through the Prometheus exporter, which
// /metrics serves via promhttp. Call Shutdown before exit to flush spans.
func Setup(ctx context.Context, opts ...SetupOption) (*Telemetry, error) {
	o := setupOptions{ratio: 1}
	for _, fn := range opts {
		fn(&o)
	}
	if o.ratio < 0 || o.ratio > 1 {
		return nil, fmt.Errorf("observe: sample ratio %v out of range [0, 1]", o.ratio)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(o.version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if !o.noProm {
		prom, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(prom))
	}
	for _, r := range o.readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}

	topts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.ratio))),
	}
	if o.exporter != nil {
		topts = append(topts, sdktrace.WithBatcher(o.exporter))
	}

	t := &Telemetry{
		Meters: sdkmetric.NewMeterProvider(mopts...),
		Traces: sdktrace.NewTracerProvider(topts...),
	}
	otel.SetMeterProvider(t.Meters)
	otel.SetTracerProvider(t.Traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return t, nil
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Traces.Shutdown(ctx),
		t.Meters.Shutdown(ctx),
	)
}
