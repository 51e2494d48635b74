package pwchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/correlation"
	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/lockmgr"
	"pkt.systems/pwchanged/internal/reqqueue"
	"pkt.systems/pwchanged/internal/svcfields"
)

// MaxSecretLength is the longest secret bcrypt hashes without truncation.
const MaxSecretLength = 72

// Ticket acknowledges an accepted change. The secret has not changed yet.
type Ticket struct {
	RequestID     string
	SubjectID     string
	CorrelationID string
	AcceptedAt    time.Time

	// LockExpires is when the subject lock self-expires if no tick releases
	// it first.
	LockExpires time.Time
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Credentials credential.Store
	Locks       *lockmgr.Manager
	Queue       *reqqueue.Queue
	LockTTL     time.Duration
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Coordinator is the producer side of the pipeline.
type Coordinator struct {
	creds   credential.Store
	locks   *lockmgr.Manager
	queue   *reqqueue.Queue
	ttl     time.Duration
	clock   clock.Clock
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *metrics
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("pwchange: coordinator requires a credential store")
	}
	if cfg.Locks == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("pwchange: coordinator requires a lock manager and a queue")
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = lockmgr.DefaultTTL
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "pwchange", "coordinator")
	return &Coordinator{
		creds:   cfg.Credentials,
		locks:   cfg.Locks,
		queue:   cfg.Queue,
		ttl:     ttl,
		clock:   clock.Or(cfg.Clock),
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/pwchanged/pwchange"),
		metrics: newMetrics(logger),
	}, nil
}

// Submit verifies req.CurrentSecret, takes the subject lock and queues req.
// It fails with a validation Failure before touching the lock, and with a
// conflict Failure when a change for the subject is already pending.
func (c *Coordinator) Submit(ctx context.Context, req reqqueue.Request) (ticket Ticket, err error) {
	ctx, cid := correlation.Ensure(ctx)
	ctx, span := c.tracer.Start(ctx, "pwchange.submit")
	span.SetAttributes(
		attribute.String("pwchange.subject_id", req.SubjectID),
		attribute.String("pwchanged.correlation_id", cid),
	)
	logger := c.logger.With(svcfields.SubjectKey, req.SubjectID, svcfields.CorrelationKey, cid)
	defer func() {
		c.metrics.recordSubmit(ctx, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, CodeOf(err))
		} else {
			span.SetAttributes(attribute.String("pwchange.request_id", ticket.RequestID))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if err := validateRequest(req); err != nil {
		logger.Debug("pwchange.submit.invalid", "error", err)
		return Ticket{}, err
	}

	if _, err := c.creds.FindByID(ctx, req.SubjectID); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			logger.Info("pwchange.submit.unknown_subject")
			return Ticket{}, fail(CodeSubjectNotFound, req.SubjectID, "", err)
		}
		logger.Warn("pwchange.submit.credential_store_error", "error", err)
		return Ticket{}, fail(CodeStoreUnavailable, req.SubjectID, "lookup", err)
	}
	ok, err := c.creds.Verify(ctx, req.SubjectID, req.CurrentSecret)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return Ticket{}, fail(CodeSubjectNotFound, req.SubjectID, "", err)
		}
		logger.Warn("pwchange.submit.credential_store_error", "error", err)
		return Ticket{}, fail(CodeStoreUnavailable, req.SubjectID, "verify", err)
	}
	if !ok {
		logger.Info("pwchange.submit.mismatch")
		return Ticket{}, fail(CodeCredentialMismatch, req.SubjectID, "current secret is incorrect", nil)
	}

	acquired, err := c.locks.TryAcquire(ctx, req.SubjectID, c.ttl)
	if err != nil {
		logger.Warn("pwchange.submit.lock_error", "error", err)
		return Ticket{}, fail(CodeStoreUnavailable, req.SubjectID, "acquire lock", err)
	}
	acquiredAt := c.clock.Now()
	if !acquired {
		logger.Info("pwchange.submit.conflict")
		return Ticket{}, fail(CodeChangeInProgress, req.SubjectID, "a password change is already in progress", nil)
	}

	item, err := c.queue.Enqueue(ctx, req)
	if err != nil {
		// The lock guards nothing once enqueue fails.
		if rerr := c.locks.Release(context.WithoutCancel(ctx), req.SubjectID); rerr != nil {
			logger.Warn("pwchange.submit.release_error", "error", rerr)
		}
		logger.Warn("pwchange.submit.enqueue_error", "error", err)
		return Ticket{}, fail(CodeStoreUnavailable, req.SubjectID, "enqueue", err)
	}

	logger.Info("pwchange.submit.accepted", svcfields.RequestKey, item.ID)
	return Ticket{
		RequestID:     item.ID,
		SubjectID:     req.SubjectID,
		CorrelationID: cid,
		AcceptedAt:    item.EnqueuedAt,
		LockExpires:   acquiredAt.Add(c.ttl),
	}, nil
}

func validateRequest(req reqqueue.Request) error {
	switch {
	case req.SubjectID == "":
		return fail(CodeInvalidRequest, "", "subject id is required", nil)
	case req.NewSecret == "":
		return fail(CodeInvalidRequest, req.SubjectID, "new secret is required", nil)
	case len(req.NewSecret) > MaxSecretLength:
		return fail(CodeInvalidRequest, req.SubjectID, fmt.Sprintf("new secret exceeds %d bytes", MaxSecretLength), nil)
	}
	return nil
}
