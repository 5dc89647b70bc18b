package otelutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used across the relay.
const TracerName = "voicerelay"

var tp *sdktrace.TracerProvider

// ErrNoExporter is returned by Init when tracing is not configured.
var ErrNoExporter = fmt.Errorf("no OTEL exporter configured: set VOICERELAY_OTEL_OTLP_ENDPOINT or VOICERELAY_OTEL_STDOUT=1")

// Init installs a global tracer provider. The OTLP/gRPC exporter wins when an
// endpoint is configured; VOICERELAY_OTEL_STDOUT=1 falls back to stdout.
func Init(serviceVersion string) error {
	ctx := context.Background()

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		semconv.ServiceNameKey.String("voicerelay"),
		semconv.ServiceVersionKey.String(serviceVersion),
	))
	if err != nil {
		return err
	}

	endpoint := os.Getenv("VOICERELAY_OTEL_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint != "" {
		return initWithOTLP(ctx, res, endpoint)
	}

	if os.Getenv("VOICERELAY_OTEL_STDOUT") == "1" {
		return initWithStdout(res)
	}
	return ErrNoExporter
}

func initWithOTLP(ctx context.Context, res *sdkresource.Resource, endpoint string) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}

	if envTrue("VOICERELAY_OTEL_OTLP_INSECURE") || envTrue("OTEL_EXPORTER_OTLP_INSECURE") {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if hdrs := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(hdrs) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(hdrs))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	install(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	))
	return nil
}

func initWithStdout(res *sdkresource.Resource) error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return err
	}
	install(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	))
	return nil
}

func install(p *sdktrace.TracerProvider) {
	tp = p
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// Tracer returns the relay tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// parseHeaders reads comma-separated key=value pairs.
func parseHeaders(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return m
}

func envTrue(name string) bool {
	v := strings.ToLower(os.Getenv(name))
	return v == "1" || v == "true"
}

// Flush gracefully shuts down the tracer provider, flushing any pending spans.
// It is safe to call multiple times.
func Flush() {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
}
