package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInitTracer_None(t *testing.T) {
	tracer, shutdown, err := InitTracer(context.Background(), Options{Exporter: "none"})
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	defer shutdown()
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
}

func TestInitTracer_StdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer, shutdown, err := InitTracer(context.Background(), Options{Exporter: "stdout", Writer: &buf})
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	_, span := tracer.Start(context.Background(), "sink.flush")
	span.End()
	shutdown()

	if !strings.Contains(buf.String(), "sink.flush") {
		t.Fatalf("exported spans missing sink.flush: %q", buf.String())
	}
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	if _, _, err := InitTracer(context.Background(), Options{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
