package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	events "github.com/hanpama/deferstream/internal/events"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers
// that trace publisher sessions. If endpoint is empty, no telemetry is
// configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("deferstream")}
	sub.register()

	return tp.Shutdown, nil
}

// subscriber keeps one span per publisher session, keyed by the
// publisher id carried in every lifecycle event, and records fragment,
// stream, and payload activity on it.
type subscriber struct {
	tracer       trace.Tracer
	publishSpans sync.Map // publisher id -> trace.Span
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.PublishStart) {
		_, span := s.tracer.Start(ctx, "incremental.publish")
		span.SetAttributes(
			attribute.Int64("incremental.publisher", e.Publisher),
			attribute.Int("incremental.drivers", e.Drivers),
		)
		s.publishSpans.Store(e.Publisher, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.PayloadPublished) {
		v, ok := s.publishSpans.Load(e.Publisher)
		if !ok {
			return
		}
		v.(trace.Span).AddEvent("payload",
			trace.WithAttributes(attribute.Bool("incremental.has_next", e.HasNext)))
	})

	eventbus.Subscribe(func(ctx context.Context, e events.FragmentCompleted) {
		v, ok := s.publishSpans.Load(e.Publisher)
		if !ok {
			return
		}
		v.(trace.Span).AddEvent("fragment", trace.WithAttributes(
			attribute.String("incremental.label", e.Label),
			attribute.String("incremental.path", e.Path),
			attribute.Bool("incremental.failed", e.Failed),
		))
	})

	eventbus.Subscribe(func(ctx context.Context, e events.StreamCompleted) {
		v, ok := s.publishSpans.Load(e.Publisher)
		if !ok {
			return
		}
		v.(trace.Span).AddEvent("stream", trace.WithAttributes(
			attribute.String("incremental.label", e.Label),
			attribute.String("incremental.path", e.Path),
			attribute.Int("incremental.items", e.Items),
			attribute.Bool("incremental.failed", e.Failed),
		))
	})

	eventbus.Subscribe(func(ctx context.Context, e events.PublishFinish) {
		v, ok := s.publishSpans.LoadAndDelete(e.Publisher)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("incremental.payloads", e.Payloads))
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})
}
