// Package retry wraps a sharedstore.Store and retries idempotent operations
// that fail with transient errors, backing off exponentially between attempts.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/sharedstore"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner sharedstore.Store, logger pslog.Logger, clk clock.Clock, cfg Config) sharedstore.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{inner: inner, logger: logger, clock: clock.Or(clk), cfg: cfg}
}

type store struct {
	inner  sharedstore.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

// SetIfAbsent is attempted once. A retry after an ambiguous transport
// failure could find the caller's own entry and report a conflict.
func (s *store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.inner.SetIfAbsent(ctx, key, value, ttl)
}

func (s *store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func(ctx context.Context) error {
		return s.inner.Delete(ctx, key)
	})
}

// PushTail is attempted once so an ambiguous failure never enqueues the
// same request twice.
func (s *store) PushTail(ctx context.Context, list string, item []byte) error {
	return s.inner.PushTail(ctx, list, item)
}

func (s *store) PopHead(ctx context.Context, list string) ([]byte, bool, error) {
	var (
		item []byte
		ok   bool
	)
	err := s.withRetry(ctx, "pop_head", list, func(ctx context.Context) error {
		var err error
		item, ok, err = s.inner.PopHead(ctx, list)
		return err
	})
	return item, ok, err
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !sharedstore.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("store.retry.transient",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * s.cfg.Multiplier)
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}
	return lastErr
}
