package otelutil

import (
	"errors"
	"testing"
)

func TestInitWithoutExporter(t *testing.T) {
	t.Setenv("VOICERELAY_OTEL_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("VOICERELAY_OTEL_STDOUT", "")

	if err := Init("test"); !errors.Is(err, ErrNoExporter) {
		t.Fatalf("expected ErrNoExporter, got %v", err)
	}
	// Flush without a provider is a no-op
	Flush()
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("a=1, b = two ,broken,c=x=y")
	if len(got) != 3 {
		t.Fatalf("expected 3 headers, got %v", got)
	}
	if got["a"] != "1" || got["b"] != "two" || got["c"] != "x=y" {
		t.Fatalf("unexpected headers %v", got)
	}
	if len(parseHeaders("")) != 0 {
		t.Fatalf("expected empty map for empty input")
	}
}
