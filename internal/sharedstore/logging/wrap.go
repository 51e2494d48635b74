// Package logging decorates a sharedstore.Store with trace logging and
// OpenTelemetry spans.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged/internal/correlation"
	"pkt.systems/pwchanged/internal/sharedstore"
	"pkt.systems/pwchanged/internal/svcfields"
)

type store struct {
	inner   sharedstore.Store
	logger  pslog.Logger
	tracer  trace.Tracer
	backend string
}

// Wrap decorates inner. backend names the implementation ("redis", "nats",
// "s3", "mem") in logs and span attributes.
func Wrap(inner sharedstore.Store, logger pslog.Logger, backend string) sharedstore.Store {
	return &store{
		inner:   inner,
		logger:  svcfields.WithSubsystem(logger, "store", backend),
		tracer:  otel.Tracer("pkt.systems/pwchanged/sharedstore"),
		backend: backend,
	}
}

func (s *store) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "pwchanged.store."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("pwchanged.store.backend", s.backend),
		attribute.String("pwchanged.store.operation", op),
		attribute.String("pwchanged.store.key", key),
	)
	logger := s.logger
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With(svcfields.CorrelationKey, cid)
		span.SetAttributes(attribute.String("pwchanged.correlation_id", cid))
	}
	logger.Trace("store."+op+".begin", "key", key)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store_error")
			logger.Debug("store."+op+".error", "key", key, "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("store."+op+".success", "key", key, "elapsed", elapsed)
	}
}

func (s *store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, span, _, finish := s.start(ctx, "set_if_absent", key)
	defer span.End()
	span.SetAttributes(attribute.Int64("pwchanged.store.ttl_ms", ttl.Milliseconds()))
	ok, err := s.inner.SetIfAbsent(ctx, key, value, ttl)
	span.SetAttributes(attribute.Bool("pwchanged.store.created", ok))
	finish(err)
	return ok, err
}

func (s *store) Delete(ctx context.Context, key string) error {
	ctx, span, _, finish := s.start(ctx, "delete", key)
	defer span.End()
	err := s.inner.Delete(ctx, key)
	finish(err)
	return err
}

func (s *store) PushTail(ctx context.Context, list string, item []byte) error {
	ctx, span, _, finish := s.start(ctx, "push_tail", list)
	defer span.End()
	span.SetAttributes(attribute.Int("pwchanged.store.item_bytes", len(item)))
	err := s.inner.PushTail(ctx, list, item)
	finish(err)
	return err
}

func (s *store) PopHead(ctx context.Context, list string) ([]byte, bool, error) {
	ctx, span, _, finish := s.start(ctx, "pop_head", list)
	defer span.End()
	item, ok, err := s.inner.PopHead(ctx, list)
	span.SetAttributes(attribute.Bool("pwchanged.store.empty", !ok))
	finish(err)
	return item, ok, err
}

func (s *store) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Warn("store.close.error", "error", err)
	}
	return err
}
