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

// useRecordingTracer installs an in-memory tracer provider as the global
// provider for the duration of the test. Tests using it must not run in
// parallel with each other.
func useRecordingTracer(t *testing.T) *tracetest.InMemoryExporter {
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

// captureLogs routes the default logger into a buffer until the test ends.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_SessionSpan(t *testing.T) {
	exp := useRecordingTracer(t)

	ctx, span := StartSpan(context.Background(), "relay.session")
	span.SetAttributes(Attr("session.remote", "192.0.2.7:50123"))
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Errorf("correlation ID %q has length %d, want 32", cid, len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lowercase hex", cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "relay.session" {
		t.Errorf("span name = %q, want relay.session", got.Name)
	}
	if got.InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", got.InstrumentationScope.Name, tracerName)
	}
	found := false
	for _, kv := range got.Attributes {
		if string(kv.Key) == "session.remote" && kv.Value.AsString() == "192.0.2.7:50123" {
			found = true
		}
	}
	if !found {
		t.Errorf("session.remote attribute missing: %v", got.Attributes)
	}
}

func TestStartSpan_DistinctSessions(t *testing.T) {
	useRecordingTracer(t)

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "relay.session")
		cid := CorrelationID(ctx)
		span.End()
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger_AttachesSpanIDs(t *testing.T) {
	useRecordingTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "relay.session")
	defer span.End()
	Logger(ctx).Info("browser connected", "session_id", 1)

	out := buf.String()
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id=", "session_id=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLogger_NoSpanLeavesLoggerUntouched(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("browser connected")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id: %s", buf.String())
	}
}
