// Package reqqueue is the shared FIFO of pending password change requests.
// Items are framed in a small binary envelope; the request itself is JSON
// and, unless sealing is disabled, encrypted before it leaves the process.
package reqqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/correlation"
	"pkt.systems/pwchanged/internal/sealer"
	"pkt.systems/pwchanged/internal/sharedstore"
	"pkt.systems/pwchanged/internal/svcfields"
)

// DefaultName is the list the queue lives in.
const DefaultName = "password-change-queue"

// ErrMalformed marks an item that was removed from the queue but could not
// be decoded.
var ErrMalformed = errors.New("reqqueue: malformed item")

// MalformedError describes an undecodable item. SubjectID is set when the
// envelope itself was readable.
type MalformedError struct {
	ItemID    string
	SubjectID string
	Err       error
}

func (e *MalformedError) Error() string {
	if e.SubjectID != "" {
		return fmt.Sprintf("reqqueue: malformed item %q for subject %q: %v", e.ItemID, e.SubjectID, e.Err)
	}
	return fmt.Sprintf("reqqueue: malformed item: %v", e.Err)
}

func (e *MalformedError) Unwrap() []error { return []error{ErrMalformed, e.Err} }

// Queue pushes and pops change requests.
type Queue struct {
	store  sharedstore.Store
	name   string
	sealer *sealer.Sealer
	clock  clock.Clock
	logger pslog.Logger
}

// Option customises a Queue.
type Option func(*Queue)

// WithName overrides DefaultName.
func WithName(name string) Option {
	return func(q *Queue) {
		if name != "" {
			q.name = name
		}
	}
}

// WithSealer encrypts request bodies. A nil sealer stores them in the clear.
func WithSealer(s *sealer.Sealer) Option {
	return func(q *Queue) { q.sealer = s }
}

// WithClock sets the clock used for enqueue timestamps.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = clock.Or(c) }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(q *Queue) {
		q.logger = svcfields.WithSubsystem(logger, "pwchange", "queue")
	}
}

// New returns a Queue over store.
func New(store sharedstore.Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		name:   DefaultName,
		clock:  clock.Real{},
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the list name.
func (q *Queue) Name() string { return q.name }

// Enqueue appends req to the tail. The returned Item carries the assigned id.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Item, error) {
	if req.SubjectID == "" {
		return Item{}, fmt.Errorf("reqqueue: enqueue: empty subject id")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Item{}, fmt.Errorf("reqqueue: enqueue: item id: %w", err)
	}
	item := Item{
		ID:            id.String(),
		CorrelationID: correlation.ID(ctx),
		EnqueuedAt:    q.clock.Now(),
		Sealed:        q.sealer.Enabled(),
		Request:       req,
	}
	payload, err := q.encode(item)
	if err != nil {
		return Item{}, err
	}
	if err := q.store.PushTail(ctx, q.name, payload); err != nil {
		return Item{}, fmt.Errorf("reqqueue: enqueue: %w", err)
	}
	q.logger.Debug("queue.enqueue.success",
		"item_id", item.ID,
		svcfields.SubjectKey, req.SubjectID,
		svcfields.CorrelationKey, item.CorrelationID,
		"sealed", item.Sealed,
	)
	return item, nil
}

// Dequeue removes the head of the queue. ok is false when the queue is empty.
// An item that cannot be decoded is still consumed; the error is a
// *MalformedError.
func (q *Queue) Dequeue(ctx context.Context) (Item, bool, error) {
	payload, ok, err := q.store.PopHead(ctx, q.name)
	if err != nil {
		return Item{}, false, fmt.Errorf("reqqueue: dequeue: %w", err)
	}
	if !ok {
		return Item{}, false, nil
	}
	item, err := q.decode(payload)
	if err != nil {
		return Item{}, true, err
	}
	return item, true, nil
}

func (q *Queue) encode(item Item) ([]byte, error) {
	body, err := item.Request.marshal()
	if err != nil {
		return nil, fmt.Errorf("reqqueue: encode body: %w", err)
	}
	body, desc, err := q.sealer.Seal(body)
	if err != nil {
		return nil, fmt.Errorf("reqqueue: seal body: %w", err)
	}
	env := envelope{
		ID:         item.ID,
		SubjectID:  item.Request.SubjectID,
		EnqueuedAt: item.EnqueuedAt,
		CID:        item.CorrelationID,
		Descriptor: desc,
		Body:       body,
	}
	return env.marshal(), nil
}

func (q *Queue) decode(payload []byte) (Item, error) {
	// Items written by producers that predate the envelope are a bare JSON
	// request.
	if len(payload) > 0 && payload[0] == '{' {
		req, err := unmarshalRequest(payload)
		if err != nil {
			return Item{}, &MalformedError{Err: err}
		}
		return Item{Request: req}, nil
	}
	env, err := unmarshalEnvelope(payload)
	if err != nil {
		return Item{}, &MalformedError{Err: err}
	}
	bad := func(err error) (Item, error) {
		return Item{}, &MalformedError{ItemID: env.ID, SubjectID: env.SubjectID, Err: err}
	}
	body := env.Body
	sealed := len(env.Descriptor) > 0
	if sealed {
		body, err = q.sealer.Open(env.Body, env.Descriptor)
		if err != nil {
			return bad(err)
		}
	}
	req, err := unmarshalRequest(body)
	if err != nil {
		return bad(err)
	}
	if env.SubjectID != "" && req.SubjectID != env.SubjectID {
		return bad(fmt.Errorf("envelope subject does not match body"))
	}
	return Item{
		ID:            env.ID,
		CorrelationID: env.CID,
		EnqueuedAt:    env.EnqueuedAt,
		Sealed:        sealed,
		Request:       req,
	}, nil
}
