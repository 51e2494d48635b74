package version

import (
	"testing"
	"time"
)

func TestPseudo(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := pseudo("0123456789abcdef", at, false); got != "v0.0.0-20260304050607-0123456789ab" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := pseudo("abc", at, true); got != "v0.0.0-20260304050607-abc+dirty" {
		t.Fatalf("unexpected dirty pseudo version %q", got)
	}
	if got := pseudo("", at, false); got != "v0.0.0-unknown" {
		t.Fatalf("expected unknown without revision, got %q", got)
	}
}

func TestReadNeverEmpty(t *testing.T) {
	info := Read()
	if info.Module == "" || info.Version == "" {
		t.Fatalf("expected module and version, got %+v", info)
	}
}
