package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/sharedstore"
	"pkt.systems/pwchanged/internal/sharedstore/memory"
)

func TestSetIfAbsentIsExclusive(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SetIfAbsent(ctx, "k", []byte("v"), time.Minute)
			if err != nil {
				t.Errorf("set: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestSetIfAbsentHonoursTTL(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	store := memory.New(memory.WithClock(clk))
	ctx := context.Background()
	if ok, _ := store.SetIfAbsent(ctx, "k", nil, 50*time.Millisecond); !ok {
		t.Fatal("first set should win")
	}
	if ok, _ := store.SetIfAbsent(ctx, "k", nil, 50*time.Millisecond); ok {
		t.Fatal("second set should lose while live")
	}
	clk.Advance(60 * time.Millisecond)
	if store.Held("k") {
		t.Fatal("entry should have expired")
	}
	if ok, _ := store.SetIfAbsent(ctx, "k", nil, 50*time.Millisecond); !ok {
		t.Fatal("set after expiry should win")
	}
}

func TestDeleteMissingKey(t *testing.T) {
	t.Parallel()

	store := memory.New()
	if err := store.Delete(context.Background(), "absent"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
}

func TestListFIFO(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.PushTail(ctx, "q", []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if store.Len("q") != 3 {
		t.Fatalf("expected 3 items, got %d", store.Len("q"))
	}
	for i := 0; i < 3; i++ {
		item, ok, err := store.PopHead(ctx, "q")
		if err != nil || !ok {
			t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
		}
		if string(item) != fmt.Sprint(i) {
			t.Fatalf("pop %d returned %q", i, item)
		}
	}
	if _, ok, err := store.PopHead(ctx, "q"); ok || err != nil {
		t.Fatalf("expected empty list, ok=%v err=%v", ok, err)
	}
}

func TestClosedStoreRejects(t *testing.T) {
	t.Parallel()

	store := memory.New()
	_ = store.Close()
	if err := store.PushTail(context.Background(), "q", nil); !errors.Is(err, sharedstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := store.PushTail(context.Background(), "", nil); !errors.Is(err, sharedstore.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
