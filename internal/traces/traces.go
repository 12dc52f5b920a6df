// Package traces sets up OpenTelemetry tracing for escrow and payout flows.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/escrowpay"

// Config selects the exporter. An empty Endpoint disables export.
type Config struct {
	ServiceName string
	Version     string
	Endpoint    string  // OTLP/gRPC collector, host:port
	SampleRatio float64 // 0 or >=1 samples everything
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Init installs the global tracer provider and W3C propagator.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sampleRatio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as errored. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func PaymentID(id string) attribute.KeyValue { return attribute.String("payment.id", id) }

func WithdrawalID(id string) attribute.KeyValue { return attribute.String("withdrawal.id", id) }

func Owner(ref string) attribute.KeyValue { return attribute.String("owner.ref", ref) }

func Amount(amount string) attribute.KeyValue { return attribute.String("amount", amount) }

// Op names the payout gateway call.
func Op(op string) attribute.KeyValue { return attribute.String("gateway.op", op) }

func IdempotencyKey(key string) attribute.KeyValue {
	return attribute.String("idempotency.key", key)
}
