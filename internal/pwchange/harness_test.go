package pwchange_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/lockmgr"
	"pkt.systems/pwchanged/internal/pwchange"
	"pkt.systems/pwchanged/internal/reqqueue"
	"pkt.systems/pwchanged/internal/sharedstore"
	"pkt.systems/pwchanged/internal/sharedstore/memory"
)

var testHasher = credential.BcryptHasher{Cost: 4}

type harness struct {
	clock *clock.Manual
	store *memory.Store
	creds *recordingCreds
	locks *lockmgr.Manager
	queue *reqqueue.Queue
	coord *pwchange.Coordinator
	work  *pwchange.Worker
	cache *recordingCache
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	wrapStore func(sharedstore.Store) sharedstore.Store
	ttl       time.Duration
	realClock bool
}

func withStore(wrap func(sharedstore.Store) sharedstore.Store) harnessOption {
	return func(c *harnessConfig) { c.wrapStore = wrap }
}

func withTTL(ttl time.Duration) harnessOption {
	return func(c *harnessConfig) { c.ttl = ttl }
}

func withRealClock() harnessOption {
	return func(c *harnessConfig) { c.realClock = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &harness{
		clock: clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		cache: &recordingCache{},
	}
	var clk clock.Clock = h.clock
	if cfg.realClock {
		clk = clock.Real{}
	}
	h.store = memory.New(memory.WithClock(clk))
	var shared sharedstore.Store = h.store
	if cfg.wrapStore != nil {
		shared = cfg.wrapStore(shared)
	}
	h.creds = &recordingCreds{Memory: credential.NewMemory(testHasher, clk)}
	h.locks = lockmgr.New(shared)
	h.queue = reqqueue.New(shared, reqqueue.WithClock(clk))

	var err error
	h.coord, err = pwchange.NewCoordinator(pwchange.CoordinatorConfig{
		Credentials: h.creds,
		Locks:       h.locks,
		Queue:       h.queue,
		LockTTL:     cfg.ttl,
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	h.work, err = pwchange.NewWorker(pwchange.WorkerConfig{
		Credentials: h.creds,
		Hasher:      testHasher,
		Locks:       h.locks,
		Queue:       h.queue,
		Cache:       h.cache,
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	return h
}

func (h *harness) seed(t *testing.T, subject, secret string) {
	t.Helper()
	if err := h.creds.Set(subject, secret); err != nil {
		t.Fatalf("seed %s: %v", subject, err)
	}
}

func (h *harness) locked(subject string) bool {
	return h.store.Held(h.locks.Key(subject))
}

func (h *harness) queued() int {
	return h.store.Len(h.queue.Name())
}

func (h *harness) verifies(t *testing.T, subject, secret string) bool {
	t.Helper()
	ok, err := h.creds.Verify(context.Background(), subject, secret)
	if err != nil {
		t.Fatalf("verify %s: %v", subject, err)
	}
	return ok
}

func change(subject, current, next string) reqqueue.Request {
	return reqqueue.Request{SubjectID: subject, CurrentSecret: current, NewSecret: next}
}

// recordingCreds remembers the order of persisted subjects and can block
// Verify calls made by the worker.
type recordingCreds struct {
	*credential.Memory

	mu        sync.Mutex
	persisted []string
	gate      chan struct{}
	entered   chan struct{}
	failWith  error
}

func (r *recordingCreds) Verify(ctx context.Context, subjectID, secret string) (bool, error) {
	r.mu.Lock()
	gate, entered, failWith := r.gate, r.entered, r.failWith
	r.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if failWith != nil {
		return false, failWith
	}
	return r.Memory.Verify(ctx, subjectID, secret)
}

func (r *recordingCreds) Persist(ctx context.Context, subjectID string, hash []byte) error {
	if err := r.Memory.Persist(ctx, subjectID, hash); err != nil {
		return err
	}
	r.mu.Lock()
	r.persisted = append(r.persisted, subjectID)
	r.mu.Unlock()
	return nil
}

func (r *recordingCreds) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.persisted...)
}

type recordingCache struct {
	mu      sync.Mutex
	evicted []string
	err     error
}

func (c *recordingCache) Evict(_ context.Context, subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, subjectID)
	return c.err
}

func (c *recordingCache) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.evicted...)
}

// faultyStore fails selected operations with ErrUnavailable.
type faultyStore struct {
	sharedstore.Store

	mu       sync.Mutex
	failPush bool
	failPop  bool
	pops     int
}

var errDown = errors.New("connection refused")

func (f *faultyStore) PushTail(ctx context.Context, list string, item []byte) error {
	f.mu.Lock()
	fail := f.failPush
	f.mu.Unlock()
	if fail {
		return sharedstore.Unavailable("push", errDown)
	}
	return f.Store.PushTail(ctx, list, item)
}

func (f *faultyStore) PopHead(ctx context.Context, list string) ([]byte, bool, error) {
	f.mu.Lock()
	f.pops++
	fail := f.failPop
	f.mu.Unlock()
	if fail {
		return nil, false, sharedstore.Unavailable("pop", errDown)
	}
	return f.Store.PopHead(ctx, list)
}

func (f *faultyStore) popCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pops
}

func (f *faultyStore) setFailPop(v bool) {
	f.mu.Lock()
	f.failPop = v
	f.mu.Unlock()
}
