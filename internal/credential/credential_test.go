package credential_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/pwchanged/internal/credential"
)

func TestBcryptHasher(t *testing.T) {
	t.Parallel()

	h := credential.BcryptHasher{Cost: 4}
	hash, err := h.Hash("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if string(hash) == "hunter2" {
		t.Fatal("hash equals plaintext")
	}
	ok, err := h.Compare(hash, "hunter2")
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
	ok, err = h.Compare(hash, "hunter3")
	if err != nil || ok {
		t.Fatalf("expected mismatch without error, ok=%v err=%v", ok, err)
	}
	if _, err := h.Compare([]byte("not-a-hash"), "x"); err == nil {
		t.Fatal("expected error for corrupt hash")
	}
}

func TestValidateCost(t *testing.T) {
	t.Parallel()

	for _, cost := range []int{0, 4, 10, 31} {
		if err := credential.ValidateCost(cost); err != nil {
			t.Fatalf("cost %d: %v", cost, err)
		}
	}
	for _, cost := range []int{1, 3, 32} {
		if err := credential.ValidateCost(cost); err == nil {
			t.Fatalf("cost %d accepted", cost)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := credential.BcryptHasher{Cost: 4}
	m := credential.NewMemory(h, nil)
	if err := m.Set("u1", "old"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, err := m.FindByID(ctx, "nobody"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Verify(ctx, "nobody", "x"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := m.Verify(ctx, "u1", "old"); err != nil || !ok {
		t.Fatalf("verify old: ok=%v err=%v", ok, err)
	}

	hash, err := h.Hash("new")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := m.Persist(ctx, "u1", hash); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if ok, _ := m.Verify(ctx, "u1", "old"); ok {
		t.Fatal("old secret still verifies")
	}
	if ok, _ := m.Verify(ctx, "u1", "new"); !ok {
		t.Fatal("new secret does not verify")
	}
	if err := m.Persist(ctx, "nobody", hash); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if m.Persists() != 1 {
		t.Fatalf("expected 1 persist, got %d", m.Persists())
	}

	m.Remove("u1")
	if _, err := m.FindByID(ctx, "u1"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}
