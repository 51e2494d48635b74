package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  abc-123 "); !ok || got != "abc-123" {
		t.Fatalf("expected abc-123, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be rejected")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be rejected")
	}
	if _, ok := Normalize("bad\x01id"); ok {
		t.Fatal("control characters should be rejected")
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected no id on background context")
	}
	ctx = With(ctx, "\x00")
	if ID(ctx) != "" {
		t.Fatal("invalid id must not be stored")
	}
	ctx = With(ctx, "req-1")
	if ID(ctx) != "req-1" {
		t.Fatalf("expected req-1, got %q", ID(ctx))
	}
}

func TestEnsureGenerates(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" || ID(ctx) != id {
		t.Fatalf("expected generated id on context, got %q / %q", id, ID(ctx))
	}
	again, same := Ensure(ctx)
	if same != id || ID(again) != id {
		t.Fatalf("Ensure must keep the existing id")
	}
}
