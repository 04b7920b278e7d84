package rawdev

import (
	"path/filepath"
	"testing"
)

func TestStateFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camogm.state")
	want := StateRecord{Device: "/dev/sda2", Start: 2048, Current: 12345678, End: 9765625000}

	if err := SaveState(path, want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestResumeLBACurrentMismatchFallsBackToStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camogm.state")
	SaveState(path, StateRecord{Device: "/dev/sda2", Start: 2048, Current: 500000, End: 9765625000})

	if got := ResumeLBACurrent(path, "/dev/sda2", 2048, 9765625000); got != 500000 {
		t.Fatalf("matching geometry: got %d, want 500000", got)
	}
	if got := ResumeLBACurrent(path, "/dev/sda3", 2048, 9765625000); got != 2048 {
		t.Fatalf("device mismatch should fall back to start: got %d", got)
	}
	if got := ResumeLBACurrent(path, "/dev/sda2", 4096, 9765625000); got != 4096 {
		t.Fatalf("geometry mismatch should fall back to start: got %d", got)
	}
}

func TestResumeLBACurrentMissingFile(t *testing.T) {
	if got := ResumeLBACurrent(filepath.Join(t.TempDir(), "missing"), "/dev/sda2", 2048, 100); got != 2048 {
		t.Fatalf("missing state file should fall back to start: got %d", got)
	}
}
