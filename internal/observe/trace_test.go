package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer swaps in a synchronous in-memory tracer provider for the
// duration of the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs points the default logger at a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStartSpan(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpan(context.Background(), "orchestrator.turn")
	id := CorrelationID(ctx)
	span.End()

	if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex chars", id)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "orchestrator.turn" {
		t.Fatalf("spans = %+v", spans)
	}
	if got := spans[0].InstrumentationScope.Name; got != scope {
		t.Errorf("scope = %q, want %q", got, scope)
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestSessionID(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" {
		t.Error("SessionID of a bare context is not empty")
	}
	if got := SessionID(WithSession(ctx, "sess-9")); got != "sess-9" {
		t.Errorf("SessionID = %q", got)
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)
	buf := captureLogs(t)

	tests := []struct {
		name    string
		ctx     func() context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare",
			ctx:     context.Background,
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "session only",
			ctx: func() context.Context {
				return WithSession(context.Background(), "abc")
			},
			want:    []string{"session_id=abc"},
			notWant: []string{"trace_id"},
		},
		{
			name: "span and session",
			ctx: func() context.Context {
				ctx, span := StartSpan(WithSession(context.Background(), "abc"), "x")
				span.End()
				return ctx
			},
			want: []string{"trace_id=", "span_id=", "session_id=abc"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			Logger(tt.ctx()).Info("hello")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %q in %s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("unexpected %q in %s", w, out)
				}
			}
		})
	}
}
