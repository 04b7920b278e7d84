package main

import "testing"

func TestRunRequiresDevice(t *testing.T) {
	if code := run([]string{"--lba-start=0", "--lba-end=1000"}); code != 1 {
		t.Fatalf("run without --device = %d, want 1", code)
	}
}

func TestRunRequiresLBAEndGreaterThanStart(t *testing.T) {
	if code := run([]string{"--device=/dev/null", "--lba-start=100", "--lba-end=100"}); code != 1 {
		t.Fatalf("run with lba-end == lba-start = %d, want 1", code)
	}
	if code := run([]string{"--device=/dev/null", "--lba-start=100", "--lba-end=50"}); code != 1 {
		t.Fatalf("run with lba-end < lba-start = %d, want 1", code)
	}
}

func TestRunUnknownFlagErrors(t *testing.T) {
	if code := run([]string{"--not-a-real-flag"}); code != 1 {
		t.Fatalf("run(bad flag) = %d, want 1", code)
	}
}

func TestRunHelpExitsZero(t *testing.T) {
	if code := run([]string{"--help"}); code != 0 {
		t.Fatalf("run(--help) = %d, want 0", code)
	}
}
