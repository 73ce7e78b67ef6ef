package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/signalsfoundry/bondchange/internal/config"
	"github.com/signalsfoundry/bondchange/internal/logging"
)

func TestStartTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := logging.ContextWithRunID(context.Background(), "run-42")
	shutdown, err := StartTracing(ctx, config.Tracing{Enabled: true, Exporter: "stdout"}, logging.Noop(), WithSpanWriter(&buf))
	if err != nil {
		t.Fatalf("StartTracing: %v", err)
	}

	_, span := otel.Tracer("test").Start(ctx, "bondchange.PostIntegrate")
	span.End()
	StopTracing(shutdown, logging.Noop())

	out := buf.String()
	if !strings.Contains(out, "bondchange.PostIntegrate") {
		t.Fatalf("expected span in exporter output: %s", out)
	}
	if !strings.Contains(out, "run-42") {
		t.Fatalf("expected run id resource attribute in output: %s", out)
	}
}

func TestStartTracingZeroRatioDropsSpans(t *testing.T) {
	var buf bytes.Buffer
	zero := 0.0
	cfg := config.Tracing{Enabled: true, Exporter: "stdout", SampleRatio: &zero}
	shutdown, err := StartTracing(context.Background(), cfg, nil, WithSpanWriter(&buf))
	if err != nil {
		t.Fatalf("StartTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "bondchange.refresh")
	span.End()
	StopTracing(shutdown, nil)

	if strings.Contains(buf.String(), "bondchange.refresh") {
		t.Fatalf("ratio 0 should sample nothing: %s", buf.String())
	}
}

func TestStartTracingRejectsUnknownExporter(t *testing.T) {
	_, err := StartTracing(context.Background(), config.Tracing{Enabled: true, Exporter: "zipkin"}, nil)
	if !errors.Is(err, config.ErrInvalidScenario) {
		t.Fatalf("expected ErrInvalidScenario, got %v", err)
	}
}

func TestStartTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := StartTracing(context.Background(), config.Tracing{}, nil)
	if err != nil {
		t.Fatalf("StartTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
	StopTracing(nil, nil)
}
