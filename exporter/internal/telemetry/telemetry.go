package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Environment variables read by Setup. The exporters read the rest of the
// OTEL_EXPORTER_OTLP_* family directly.
const (
	EnvEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvProtocol   = "OTEL_EXPORTER_OTLP_PROTOCOL"
	EnvInstanceID = "OTEL_SERVICE_INSTANCE_ID"
)

// Supported OTLP protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// ErrUnsupportedProtocol is returned for protocols other than grpc and
// http/protobuf.
var ErrUnsupportedProtocol = errors.New("telemetry: unsupported OTLP protocol")

// Options identify the service in exported spans.
type Options struct {
	Name    string
	Version string
}

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(ctx context.Context) error

// Setup installs a global OTLP tracer provider when EnvEndpoint is set and
// returns it. With tracing off it returns a nil provider and a no-op
// shutdown.
func Setup(ctx context.Context, opts Options) (trace.TracerProvider, ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	if os.Getenv(EnvEndpoint) == "" {
		return nil, noop, nil
	}

	exp, err := newExporter(ctx, os.Getenv(EnvProtocol), opts)
	if err != nil {
		return nil, noop, err
	}
	res, err := newResource(ctx, opts)
	if err != nil {
		return nil, noop, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, tp.Shutdown, nil
}

func newExporter(ctx context.Context, protocol string, opts Options) (sdktrace.SpanExporter, error) {
	switch protocol {
	case "", ProtocolGRPC:
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithCompressor("gzip"),
			otlptracegrpc.WithTimeout(3*time.Second),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(opts.Name+"/"+opts.Version)),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: grpc exporter: %w", err)
		}
		return exp, nil
	case ProtocolHTTP:
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
			otlptracehttp.WithTimeout(3*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: http exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
}

// newResource describes this process. The instance id comes from
// EnvInstanceID or is random per process.
func newResource(ctx context.Context, opts Options) (*resource.Resource, error) {
	id := os.Getenv(EnvInstanceID)
	if id == "" {
		id = uuid.NewString()
	}
	// OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME win over the defaults.
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.Name),
			semconv.ServiceVersionKey.String(opts.Version),
			attribute.String("service.instance.id", id),
		),
		resource.WithFromEnv(),
	)
}
