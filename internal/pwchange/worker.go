package pwchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/lockmgr"
	"pkt.systems/pwchanged/internal/reqqueue"
	"pkt.systems/pwchanged/internal/svcfields"
)

const (
	// DefaultInterval is the pause between ticks.
	DefaultInterval = time.Second
	// DefaultTickTimeout bounds the store calls of a single tick.
	DefaultTickTimeout = 30 * time.Second
)

// ErrWorkerRunning is returned by Run when the worker loop is already active.
var ErrWorkerRunning = errors.New("pwchange: worker already running")

// TickResult is what a single tick did.
type TickResult int

const (
	TickEmpty TickResult = iota
	TickProcessed
	TickDroppedMalformed
	TickDroppedStale
	TickStoreError
)

func (r TickResult) String() string {
	switch r {
	case TickEmpty:
		return "empty"
	case TickProcessed:
		return "processed"
	case TickDroppedMalformed:
		return "dropped_malformed"
	case TickDroppedStale:
		return "dropped_stale"
	case TickStoreError:
		return "store_error"
	default:
		return fmt.Sprintf("tick_result(%d)", int(r))
	}
}

// WorkerConfig wires a Worker. Cache is optional and hears about every
// committed change.
type WorkerConfig struct {
	Credentials credential.Store
	Hasher      credential.Hasher
	Locks       *lockmgr.Manager
	Queue       *reqqueue.Queue
	Cache       credential.CacheInvalidator
	Interval    time.Duration
	TickTimeout time.Duration
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Worker is the single consumer of the change queue.
type Worker struct {
	creds       credential.Store
	hasher      credential.Hasher
	locks       *lockmgr.Manager
	queue       *reqqueue.Queue
	cache       credential.CacheInvalidator
	interval    time.Duration
	tickTimeout time.Duration
	clock       clock.Clock
	logger      pslog.Logger
	tracer      trace.Tracer
	metrics     *metrics
	running     atomic.Bool
}

// NewWorker validates cfg and returns a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Credentials == nil || cfg.Hasher == nil {
		return nil, fmt.Errorf("pwchange: worker requires a credential store and a hasher")
	}
	if cfg.Locks == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("pwchange: worker requires a lock manager and a queue")
	}
	w := &Worker{
		creds:       cfg.Credentials,
		hasher:      cfg.Hasher,
		locks:       cfg.Locks,
		queue:       cfg.Queue,
		cache:       cfg.Cache,
		interval:    cfg.Interval,
		tickTimeout: cfg.TickTimeout,
		clock:       clock.Or(cfg.Clock),
		logger:      svcfields.WithSubsystem(cfg.Logger, "pwchange", "worker"),
		tracer:      otel.Tracer("pkt.systems/pwchanged/pwchange"),
	}
	if w.cache == nil {
		w.cache = credential.NopInvalidator{}
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.tickTimeout <= 0 {
		w.tickTimeout = DefaultTickTimeout
	}
	w.metrics = newMetrics(w.logger)
	return w, nil
}

// Run ticks every interval until ctx is cancelled. Ticks never overlap.
// Cancelling ctx stops new ticks; a tick already running completes with its
// own timeout. Run returns nil after a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	defer w.running.Store(false)

	w.logger.Info("pwchange.worker.start", "interval", w.interval, "queue", w.queue.Name())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("pwchange.worker.stop")
			return nil
		case <-w.clock.After(w.interval):
		}
		if ctx.Err() != nil {
			w.logger.Info("pwchange.worker.stop")
			return nil
		}
		tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.tickTimeout)
		w.Tick(tickCtx)
		cancel()
	}
}

// Tick processes at most one queued request. Failures are logged and
// reported through the result; none of them is returned to the caller.
func (w *Worker) Tick(ctx context.Context) TickResult {
	start := w.clock.Now()
	ctx, span := w.tracer.Start(ctx, "pwchange.tick")
	result := w.tick(ctx, span)
	span.SetAttributes(attribute.String("pwchange.tick.result", result.String()))
	if result == TickStoreError {
		span.SetStatus(codes.Error, result.String())
	}
	span.End()
	w.metrics.recordTick(ctx, result, w.clock.Now().Sub(start))
	return result
}

func (w *Worker) tick(ctx context.Context, span trace.Span) TickResult {
	item, ok, err := w.queue.Dequeue(ctx)
	if err != nil {
		var merr *reqqueue.MalformedError
		if errors.As(err, &merr) {
			return w.dropMalformed(ctx, merr)
		}
		w.logger.Warn("pwchange.tick.dequeue_error", "code", CodeStoreUnavailable, "error", err)
		return TickStoreError
	}
	if !ok {
		return TickEmpty
	}

	subject := item.Request.SubjectID
	span.SetAttributes(
		attribute.String("pwchange.subject_id", subject),
		attribute.String("pwchange.request_id", item.ID),
	)
	logger := w.logger.With(svcfields.SubjectKey, subject, svcfields.RequestKey, item.ID)
	if item.CorrelationID != "" {
		logger = logger.With(svcfields.CorrelationKey, item.CorrelationID)
	}
	if !item.EnqueuedAt.IsZero() {
		w.metrics.recordQueueWait(ctx, w.clock.Now().Sub(item.EnqueuedAt))
	}
	logger.Info("pwchange.tick.processing")

	defer w.release(ctx, subject, logger)
	return w.apply(ctx, item.Request, logger)
}

func (w *Worker) apply(ctx context.Context, req reqqueue.Request, logger pslog.Logger) TickResult {
	ok, err := w.creds.Verify(ctx, req.SubjectID, req.CurrentSecret)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		logger.Warn("pwchange.tick.drop.stale", "code", CodeStaleCredential, "reason", "subject_not_found")
		return TickDroppedStale
	case err != nil:
		logger.Error("pwchange.tick.verify_error", "code", CodeStoreUnavailable, "error", err)
		return TickStoreError
	case !ok:
		logger.Warn("pwchange.tick.drop.stale", "code", CodeStaleCredential, "reason", "current_secret_mismatch")
		return TickDroppedStale
	}

	hash, err := w.hasher.Hash(req.NewSecret)
	if err != nil {
		logger.Error("pwchange.tick.drop.malformed", "code", CodeMalformedRequest, "error", err)
		return TickDroppedMalformed
	}
	if err := w.creds.Persist(ctx, req.SubjectID, hash); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			logger.Warn("pwchange.tick.drop.stale", "code", CodeStaleCredential, "reason", "subject_not_found")
			return TickDroppedStale
		}
		logger.Error("pwchange.tick.persist_error", "code", CodeStoreUnavailable, "error", err)
		return TickStoreError
	}
	if err := w.cache.Evict(ctx, req.SubjectID); err != nil {
		logger.Warn("pwchange.tick.cache_evict_error", "error", err)
	}
	logger.Info("pwchange.tick.changed")
	return TickProcessed
}

func (w *Worker) dropMalformed(ctx context.Context, merr *reqqueue.MalformedError) TickResult {
	logger := w.logger
	if merr.ItemID != "" {
		logger = logger.With(svcfields.RequestKey, merr.ItemID)
	}
	if merr.SubjectID == "" {
		logger.Error("pwchange.tick.drop.malformed", "code", CodeMalformedRequest, "error", merr.Err)
		return TickDroppedMalformed
	}
	logger = logger.With(svcfields.SubjectKey, merr.SubjectID)
	logger.Error("pwchange.tick.drop.malformed", "code", CodeMalformedRequest, "error", merr.Err)
	w.release(ctx, merr.SubjectID, logger)
	return TickDroppedMalformed
}

func (w *Worker) release(ctx context.Context, subjectID string, logger pslog.Logger) {
	if err := w.locks.Release(ctx, subjectID); err != nil {
		logger.Warn("pwchange.tick.release_error", "error", err)
		return
	}
	logger.Debug("pwchange.tick.released")
}
