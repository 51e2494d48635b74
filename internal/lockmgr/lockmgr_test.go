package lockmgr_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/lockmgr"
	"pkt.systems/pwchanged/internal/sharedstore/memory"
)

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	t.Parallel()

	mgr := lockmgr.New(memory.New())
	ctx := context.Background()
	const racers = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := mgr.TryAcquire(ctx, "u1", time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	mgr := lockmgr.New(memory.New())
	ctx := context.Background()
	if ok, _ := mgr.TryAcquire(ctx, "u1", time.Minute); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := mgr.TryAcquire(ctx, "u1", time.Minute); ok {
		t.Fatal("second acquire must fail while held")
	}
	if err := mgr.Release(ctx, "u1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := mgr.TryAcquire(ctx, "u1", time.Minute); !ok {
		t.Fatal("acquire after release failed")
	}
}

func TestTTLSelfHealing(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	mgr := lockmgr.New(memory.New(memory.WithClock(clk)))
	ctx := context.Background()
	if ok, _ := mgr.TryAcquire(ctx, "u1", 50*time.Millisecond); !ok {
		t.Fatal("acquire failed")
	}
	clk.Advance(60 * time.Millisecond)
	if ok, _ := mgr.TryAcquire(ctx, "u1", 50*time.Millisecond); !ok {
		t.Fatal("lock should have expired after ttl")
	}
}

func TestTTLSelfHealingRealClock(t *testing.T) {
	t.Parallel()

	mgr := lockmgr.New(memory.New())
	ctx := context.Background()
	if ok, _ := mgr.TryAcquire(ctx, "u1", 50*time.Millisecond); !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(60 * time.Millisecond)
	if ok, _ := mgr.TryAcquire(ctx, "u1", 50*time.Millisecond); !ok {
		t.Fatal("lock should have expired after ttl")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	mgr := lockmgr.New(memory.New())
	ctx := context.Background()
	if _, err := mgr.TryAcquire(ctx, "u1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := mgr.Release(ctx, "u1"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := mgr.Release(ctx, "u1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestKeyAndValidation(t *testing.T) {
	t.Parallel()

	store := memory.New()
	mgr := lockmgr.New(store, lockmgr.WithPrefix("custom:"), lockmgr.WithOwner("node-a"))
	if got := mgr.Key("u1"); got != "custom:u1" {
		t.Fatalf("unexpected key %q", got)
	}
	if mgr.Owner() != "node-a" {
		t.Fatalf("unexpected owner %q", mgr.Owner())
	}
	if lockmgr.New(store).Key("u1") != lockmgr.DefaultPrefix+"u1" {
		t.Fatal("default prefix not applied")
	}
	if _, err := mgr.TryAcquire(context.Background(), "", time.Second); !errors.Is(err, lockmgr.ErrEmptySubject) {
		t.Fatalf("expected ErrEmptySubject, got %v", err)
	}
	ok, _ := mgr.TryAcquire(context.Background(), "u1", time.Second)
	if !ok || !store.Held("custom:u1") {
		t.Fatal("lock not written under custom prefix")
	}
}
