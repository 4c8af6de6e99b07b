// Package telemetry wires OpenTelemetry tracing and metrics around the
// allocator facade's slow paths: the facade sets both up in Create, and
// starts spans only around fallback delegation in Allocate, Free and
// Reallocate. It never instruments the
// arena/thread-cache fast path (pool.Bucket.Allocate, threadcache.Cache
// Pull/Push), so tracing overhead cannot appear in the hot-path properties
// spec.md section 8 tests.
//
// Grounded on the teacher's internal/tracing package: a package-level
// TracerProvider, a Jaeger exporter wired through the OpenTelemetry SDK,
// and a handful of thin Start/Add helper functions.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "smalloc"
	serviceVersion = "1.0.0"

	// CacheLine is the assumed CPU cache line size. The facade aligns its
	// arena to 4096 bytes, a multiple of it.
	CacheLine = 64
)

var tracerProvider *tracesdk.TracerProvider
var meterProvider *sdkmetric.MeterProvider

// InitTracing initializes OpenTelemetry tracing with a Jaeger exporter. An
// empty jaegerEndpoint is a no-op: tracing stays disabled and Tracer
// returns otel's configured no-op tracer, so callers never need to branch
// on whether tracing was actually turned on.
func InitTracing(jaegerEndpoint string) error {
	if jaegerEndpoint == "" {
		return nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return fmt.Errorf("smalloc: create jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("smalloc: build resource: %w", err)
	}

	tracerProvider = tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	return nil
}

// Shutdown flushes and releases the tracer provider, if one was ever
// started by InitTracing.
func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns a tracer for the given allocator component ("facade",
// "pool", "threadcache"...).
func Tracer(component string) trace.Tracer {
	return otel.Tracer(fmt.Sprintf("%s/%s", serviceName, component))
}

// StartSpan starts a span with the given attributes already attached.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records err on the span held by ctx, if it is recording.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}

// Counters bundles the facade's OpenTelemetry counters. Built only when a
// caller opts in via NewCounters, since every Add call costs an atomic
// increment even when nothing is reading the result.
// Counters holds the global statistics spec.md section 6 names. Per-bucket
// counters (cache-hit, hit, miss, free) live on pool.Bucket.Stats instead:
// they already have a natural home with no chance of drifting out of sync
// with the bucket they describe, and internal/statslog reads them directly
// for the JSON snapshot. BucketCacheHit mirrors pool.Bucket.Stats.CacheHit
// into OpenTelemetry for operators who want it in their metrics backend
// rather than (or in addition to) the statslog snapshot.
type Counters struct {
	AllocAttempts        metric.Int64Counter
	AllocServedFromArena metric.Int64Counter
	AllocRoutedFallback  metric.Int64Counter
	RoutedBySize         metric.Int64Counter
	RoutedBySaturation   metric.Int64Counter

	BucketCacheHit metric.Int64Counter
}

// NewCounters installs an in-process MeterProvider the first time it is
// called and creates the five global instruments plus the per-bucket
// cache-hit instrument; per-bucket hit, miss and free have no instrument.
func NewCounters(allocatorID string) (*Counters, error) {
	if meterProvider == nil {
		meterProvider = sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(meterProvider)
	}
	meter := meterProvider.Meter(fmt.Sprintf("%s/%s", serviceName, allocatorID))

	mk := func(name string) (metric.Int64Counter, error) {
		return meter.Int64Counter(name)
	}

	var c Counters
	var err error
	if c.AllocAttempts, err = mk("smalloc.alloc.attempts"); err != nil {
		return nil, err
	}
	if c.AllocServedFromArena, err = mk("smalloc.alloc.served_from_arena"); err != nil {
		return nil, err
	}
	if c.AllocRoutedFallback, err = mk("smalloc.alloc.routed_to_fallback"); err != nil {
		return nil, err
	}
	if c.RoutedBySize, err = mk("smalloc.alloc.routed_by_size"); err != nil {
		return nil, err
	}
	if c.RoutedBySaturation, err = mk("smalloc.alloc.routed_by_saturation"); err != nil {
		return nil, err
	}
	if c.BucketCacheHit, err = mk("smalloc.bucket.cache_hit"); err != nil {
		return nil, err
	}
	return &c, nil
}

// BucketAttr is the attribute attached to every per-bucket counter
// increment, so one instrument can serve all buckets.
func BucketAttr(index int) attribute.KeyValue {
	return attribute.Int("smalloc.bucket.index", index)
}

// WithBucket wraps BucketAttr as a metric.AddOption, for callers
// incrementing a per-bucket counter.
func WithBucket(index int) metric.AddOption {
	return metric.WithAttributes(BucketAttr(index))
}
