package otel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitialize_None(t *testing.T) {
	for _, name := range []string{"", "none", "NONE"} {
		shutdown, err := Initialize(context.Background(), Config{Exporter: name})
		if err != nil {
			t.Fatalf("Initialize(%q) error: %v", name, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}
}

func TestInitialize_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Initialize(context.Background(), Config{
		Exporter:    ExporterStdout,
		ServiceName: "ocworker-test",
		Writer:      &buf,
	})
	if err != nil {
		t.Fatalf("Initialize error: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "worker.run")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "worker.run") {
		t.Errorf("span not exported: %s", out)
	}
	if !strings.Contains(out, "ocworker-test") {
		t.Errorf("service name missing: %s", out)
	}
}

func TestInitialize_Collectors(t *testing.T) {
	tests := []struct {
		exporter string
		endpoint string
	}{
		{ExporterZipkin, "http://localhost:9411/api/v2/spans"},
		{ExporterJaeger, "http://localhost:14268/api/traces"},
	}
	for _, tt := range tests {
		t.Run(tt.exporter, func(t *testing.T) {
			shutdown, err := Initialize(context.Background(), Config{Exporter: tt.exporter, Endpoint: tt.endpoint, SampleRate: 0.5})
			if err != nil {
				t.Fatalf("Initialize error: %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown: %v", err)
			}

			if _, err := Initialize(context.Background(), Config{Exporter: tt.exporter}); err == nil {
				t.Error("missing endpoint should fail")
			}
		})
	}
}

func TestInitialize_Unknown(t *testing.T) {
	_, err := Initialize(context.Background(), Config{Exporter: "carrier-pigeon"})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("expected ErrUnknownExporter, got %v", err)
	}
}
