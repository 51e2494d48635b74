package pwchange_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/pwchange"
	"pkt.systems/pwchanged/internal/sharedstore"
)

func TestSubmitAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "u1", "old")

	ticket, err := h.coord.Submit(context.Background(), change("u1", "old", "new"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ticket.RequestID == "" || ticket.CorrelationID == "" {
		t.Fatalf("ticket missing ids: %+v", ticket)
	}
	if want := h.clock.Now().Add(5 * time.Minute); !ticket.LockExpires.Equal(want) {
		t.Fatalf("lock expiry: got %v want %v", ticket.LockExpires, want)
	}
	if !h.locked("u1") {
		t.Fatal("lock not held after accept")
	}
	if h.queued() != 1 {
		t.Fatalf("expected 1 queued item, got %d", h.queued())
	}
	if !h.verifies(t, "u1", "old") {
		t.Fatal("secret changed before the worker ran")
	}
}

func TestSubmitMismatchHasNoSideEffects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "u1", "old")

	_, err := h.coord.Submit(context.Background(), change("u1", "wrong", "new"))
	if !pwchange.IsValidation(err) || pwchange.CodeOf(err) != pwchange.CodeCredentialMismatch {
		t.Fatalf("expected credential mismatch, got %v", err)
	}
	if h.locked("u1") || h.queued() != 0 {
		t.Fatal("mismatch left a lock or queue item behind")
	}
}

func TestSubmitUnknownSubject(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.coord.Submit(context.Background(), change("ghost", "a", "b"))
	if !pwchange.IsValidation(err) || pwchange.CodeOf(err) != pwchange.CodeSubjectNotFound {
		t.Fatalf("expected subject_not_found, got %v", err)
	}
	if !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected wrapped ErrNotFound, got %v", err)
	}
	if h.locked("ghost") {
		t.Fatal("unknown subject was locked")
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "u1", "old")
	cases := []struct {
		name    string
		subject string
		next    string
	}{
		{name: "empty subject", subject: "", next: "new"},
		{name: "empty new secret", subject: "u1", next: ""},
		{name: "oversized new secret", subject: "u1", next: strings.Repeat("x", pwchange.MaxSecretLength+1)},
	}
	for _, tc := range cases {
		_, err := h.coord.Submit(context.Background(), change(tc.subject, "old", tc.next))
		if pwchange.CodeOf(err) != pwchange.CodeInvalidRequest {
			t.Fatalf("%s: expected invalid_request, got %v", tc.name, err)
		}
		if !pwchange.IsValidation(err) {
			t.Fatalf("%s: expected validation failure", tc.name)
		}
	}
	if h.locked("u1") || h.queued() != 0 {
		t.Fatal("invalid input left side effects")
	}
}

func TestSubmitConflictWhileLocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "u1", "old")
	ctx := context.Background()

	if _, err := h.coord.Submit(ctx, change("u1", "old", "new")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := h.coord.Submit(ctx, change("u1", "old", "newer"))
	if !pwchange.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if h.queued() != 1 {
		t.Fatalf("conflict enqueued an item: %d queued", h.queued())
	}

	if got := h.work.Tick(ctx); got != pwchange.TickProcessed {
		t.Fatalf("tick: %v", got)
	}
	if _, err := h.coord.Submit(ctx, change("u1", "new", "newest")); err != nil {
		t.Fatalf("submit after tick: %v", err)
	}
}

func TestConcurrentSubmitsHaveSingleWinner(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "u1", "old")
	const callers = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.coord.Submit(context.Background(), change("u1", "old", "new"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case pwchange.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted != 1 || conflicts != callers-1 {
		t.Fatalf("accepted=%d conflicts=%d", accepted, conflicts)
	}
	if h.queued() != 1 {
		t.Fatalf("expected exactly one queued item, got %d", h.queued())
	}
}

func TestEnqueueFailureReleasesLock(t *testing.T) {
	t.Parallel()

	var faulty *faultyStore
	h := newHarness(t, withStore(func(s sharedstore.Store) sharedstore.Store {
		faulty = &faultyStore{Store: s, failPush: true}
		return faulty
	}))
	h.seed(t, "u1", "old")

	_, err := h.coord.Submit(context.Background(), change("u1", "old", "new"))
	if !pwchange.IsStoreUnavailable(err) {
		t.Fatalf("expected store_unavailable, got %v", err)
	}
	if !errors.Is(err, sharedstore.ErrUnavailable) {
		t.Fatalf("expected wrapped ErrUnavailable, got %v", err)
	}
	if h.locked("u1") {
		t.Fatal("lock left behind after failed enqueue")
	}
}

func TestLockSelfHealsAfterTTL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withTTL(50*time.Millisecond), withRealClock())
	h.seed(t, "u1", "old")
	ctx := context.Background()

	if _, err := h.coord.Submit(ctx, change("u1", "old", "new")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := h.coord.Submit(ctx, change("u1", "old", "new")); !pwchange.IsConflict(err) {
		t.Fatalf("expected conflict inside ttl, got %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := h.coord.Submit(ctx, change("u1", "old", "new")); err != nil {
		t.Fatalf("submit after ttl: %v", err)
	}
	// Both items stay queued: expiry frees the lock, not the orphaned item.
	if h.queued() != 2 {
		t.Fatalf("expected 2 queued items, got %d", h.queued())
	}
}

func TestFailureFormatting(t *testing.T) {
	t.Parallel()

	err := pwchange.Failure{Code: pwchange.CodeStoreUnavailable, Detail: "enqueue", Err: errDown}
	if got := err.Error(); got != "store_unavailable: enqueue: connection refused" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, errDown) {
		t.Fatal("cause not unwrapped")
	}
	if pwchange.CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain error has a code")
	}
	if pwchange.IsConflict(nil) || pwchange.IsValidation(nil) {
		t.Fatal("nil error classified")
	}
}
