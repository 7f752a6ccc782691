package cache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/storecache/storecache/pkg/cache"

// TracedTier wraps a tier with distributed tracing. Misses are expected
// outcomes and are recorded as attributes, not span errors.
type TracedTier struct {
	tier   Tier
	tracer trace.Tracer
}

// NewTracedTier wraps tier with tracing spans.
func NewTracedTier(tier Tier) Tier {
	return &TracedTier{
		tier:   tier,
		tracer: otel.Tracer(tracerName),
	}
}

// Name implements Tier.
func (t *TracedTier) Name() string {
	return t.tier.Name()
}

// Get implements Tier.
func (t *TracedTier) Get(ctx context.Context, key string) (interface{}, bool) {
	ctx, span := t.start(ctx, "cache.get", key)
	defer span.End()

	value, ok := t.tier.Get(ctx, key)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	span.SetStatus(codes.Ok, "")
	return value, ok
}

// GetEntry implements Tier.
func (t *TracedTier) GetEntry(ctx context.Context, key string) (interface{}, *SetOptions, bool) {
	ctx, span := t.start(ctx, "cache.get", key)
	defer span.End()

	value, opts, ok := t.tier.GetEntry(ctx, key)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	span.SetStatus(codes.Ok, "")
	return value, opts, ok
}

// Set implements Tier.
func (t *TracedTier) Set(ctx context.Context, key string, value interface{}, opts *SetOptions) bool {
	ctx, span := t.start(ctx, "cache.set", key)
	defer span.End()

	ok := t.tier.Set(ctx, key, value, opts)
	span.SetAttributes(attribute.Bool("cache.stored", ok))
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "cache set rejected")
	}
	return ok
}

// Invalidate implements Tier.
func (t *TracedTier) Invalidate(ctx context.Context, key string) bool {
	ctx, span := t.start(ctx, "cache.invalidate", key)
	defer span.End()

	removed := t.tier.Invalidate(ctx, key)
	span.SetAttributes(attribute.Bool("cache.removed", removed))
	span.SetStatus(codes.Ok, "")
	return removed
}

// InvalidateByTags implements Tier.
func (t *TracedTier) InvalidateByTags(ctx context.Context, tags []string) int {
	ctx, span := t.tracer.Start(ctx, "cache.invalidate_tags", trace.WithAttributes(
		attribute.String("cache.tier", t.tier.Name()),
		attribute.StringSlice("cache.tags", tags),
	))
	defer span.End()

	removed := t.tier.InvalidateByTags(ctx, tags)
	span.SetAttributes(attribute.Int("cache.removed_count", removed))
	span.SetStatus(codes.Ok, "")
	return removed
}

// InvalidateByPattern implements Tier.
func (t *TracedTier) InvalidateByPattern(ctx context.Context, substring string) int {
	ctx, span := t.start(ctx, "cache.invalidate_pattern", substring)
	defer span.End()

	removed := t.tier.InvalidateByPattern(ctx, substring)
	span.SetAttributes(attribute.Int("cache.removed_count", removed))
	span.SetStatus(codes.Ok, "")
	return removed
}

// InvalidateByDataType implements Tier.
func (t *TracedTier) InvalidateByDataType(ctx context.Context, dataType string) int {
	ctx, span := t.start(ctx, "cache.invalidate_type", dataType)
	defer span.End()

	removed := t.tier.InvalidateByDataType(ctx, dataType)
	span.SetAttributes(attribute.Int("cache.removed_count", removed))
	span.SetStatus(codes.Ok, "")
	return removed
}

// Stats implements Tier.
func (t *TracedTier) Stats(ctx context.Context) TierStats {
	return t.tier.Stats(ctx)
}

// Close implements Tier.
func (t *TracedTier) Close() error {
	return t.tier.Close()
}

func (t *TracedTier) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("cache.tier", t.tier.Name()),
		attribute.String("cache.key", key),
	))
}
