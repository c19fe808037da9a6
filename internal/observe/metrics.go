// Package observe carries voxbench's metrics, tracing and request logging.
//
// Instruments are created from an OpenTelemetry meter; [Setup] installs a
// meter provider backed by the Prometheus exporter so /metrics can serve
// them. Tests build their own [Metrics] with [NewMetrics] over a manual
// reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbench metrics.
const meterName = "github.com/MrWong99/voxbench"

// Metrics holds the application's metric instruments. They are safe for
// concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-end to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks request to first LLM token.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks first text fragment to first synthesised audio.
	TTSDuration metric.Float64Histogram

	// S2SDuration tracks turn boundary to first audio in realtime mode.
	S2SDuration metric.Float64Histogram

	// TurnLatency tracks the derived per-turn latency metrics. Use with
	// attributes:
	//   attribute.String("mode", ...), attribute.String("metric", ...)
	TurnLatency metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Turns counts closed turns. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// Interruptions counts barge-ins. Use with attribute:
	//   attribute.String("mode", ...)
	Interruptions metric.Int64Counter

	// DroppedFrames counts inbound audio frames discarded under backpressure.
	DroppedFrames metric.Int64Counter

	// SessionsRejected counts sessions refused by admission control.
	SessionsRejected metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// StoreErrors counts failed session store writes.
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.STTDuration, err = histogram("voxbench.stt.duration",
		"Latency from speech end to final transcript."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("voxbench.llm.duration",
		"Latency from completion request to first token."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("voxbench.tts.duration",
		"Latency from first text fragment to first synthesised audio."); err != nil {
		return nil, err
	}
	if met.S2SDuration, err = histogram("voxbench.s2s.duration",
		"Latency from turn boundary to first realtime response audio."); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = histogram("voxbench.turn.latency",
		"Derived per-turn latency metrics by mode and metric name."); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxbench.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voxbench.turns",
		metric.WithDescription("Total closed turns by mode and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxbench.interruptions",
		metric.WithDescription("Total barge-in interruptions by mode."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voxbench.audio.dropped_frames",
		metric.WithDescription("Inbound audio frames dropped under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("voxbench.sessions.rejected",
		metric.WithDescription("Sessions refused by admission control."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxbench.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("voxbench.store.errors",
		metric.WithDescription("Failed session store writes by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbench.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbench.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurnLatency records one derived latency metric of a closed turn.
func (m *Metrics) RecordTurnLatency(ctx context.Context, mode, name string, d time.Duration) {
	m.TurnLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("metric", name),
		),
	)
}

// RecordTurn counts a closed turn by outcome ("completed", "interrupted",
// "failed").
func (m *Metrics) RecordTurn(ctx context.Context, mode, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordInterruption counts one barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context, mode string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context, mode string) {
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context, mode string) {
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("mode", mode)))
}
