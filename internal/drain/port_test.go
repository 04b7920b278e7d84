package drain

import (
	"testing"

	"github.com/elphel/camogm-go/internal/capture"
)

func TestFormatString(t *testing.T) {
	cases := map[Format]string{
		FormatNone: "none",
		FormatOGM:  "ogm",
		FormatJPEG: "jpeg",
		FormatMOV:  "mov",
		Format(99): "unknown",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Errorf("Format(%d).String() = %q, want %q", f, got, want)
		}
	}
}

func TestPortResyncNonGreedyStepsBackOneFrame(t *testing.T) {
	ring := capture.NewFakeRing(4096)
	off1 := ring.PushFrame(make([]byte, 64))
	off2 := ring.PushFrame(make([]byte, 64))
	_ = ring.PushFrame(make([]byte, 64))
	_ = off1

	p := &Port{Ring: ring, CircSize: ring.Size()}
	code, err := p.resync(false, false)
	if err != nil || code != Ok {
		t.Fatalf("resync: code=%v err=%v", code, err)
	}
	if p.ReadPointer != off2 {
		t.Fatalf("non-greedy resync with fps pacing should land one frame back from last, got %d want %d", p.ReadPointer, off2)
	}
}

func TestPortResyncGreedyUsesSecondToLast(t *testing.T) {
	ring := capture.NewFakeRing(4096)
	off1 := ring.PushFrame(make([]byte, 64))
	off2 := ring.PushFrame(make([]byte, 64))
	_ = ring.PushFrame(make([]byte, 64))

	p := &Port{Ring: ring, CircSize: ring.Size()}
	if _, err := p.resync(true, true); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if p.ReadPointer != off2 {
		t.Fatalf("greedy resync should land on the second-to-last frame, got %d want %d", p.ReadPointer, off2)
	}
	_ = off1
}

func TestPortResyncIgnoreFPSSkipsStepBack(t *testing.T) {
	ring := capture.NewFakeRing(4096)
	_ = ring.PushFrame(make([]byte, 64))
	off2 := ring.PushFrame(make([]byte, 64))

	p := &Port{Ring: ring, CircSize: ring.Size()}
	if _, err := p.resync(false, true); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if p.ReadPointer != off2 {
		t.Fatalf("ignoreFPS should leave the read pointer on the last frame, got %d want %d", p.ReadPointer, off2)
	}
}

func TestPortResyncInvalidatesOnEmptyRing(t *testing.T) {
	ring := capture.NewFakeRing(4096)
	p := &Port{Ring: ring, CircSize: ring.Size(), ReadPointer: 5}
	if _, err := p.resync(false, false); err == nil {
		t.Fatalf("expected resync to fail against an empty ring")
	}
	if p.ReadPointer != -1 {
		t.Fatalf("resync failure should invalidate the read pointer, got %d", p.ReadPointer)
	}
}

func TestPortCheckDriftFirstCallEstablishesBaseline(t *testing.T) {
	p := &Port{}
	if p.checkDrift(640, 480) {
		t.Fatalf("first checkDrift call should never report drift")
	}
	if p.checkDrift(640, 480) {
		t.Fatalf("unchanged dimensions should not report drift")
	}
	if !p.checkDrift(1280, 720) {
		t.Fatalf("changed dimensions should report drift")
	}
}

func TestPortFreeTracksMinimum(t *testing.T) {
	ring := capture.NewFakeRing(4096)
	p := &Port{Ring: ring, CircSize: ring.Size(), BufMin: ring.Size()}
	free, err := p.free()
	if err != nil {
		t.Fatalf("free: %v", err)
	}
	if free != ring.Size() {
		t.Fatalf("free bytes = %d, want %d", free, ring.Size())
	}
	if p.BufMin != ring.Size() {
		t.Fatalf("BufMin = %d, want %d", p.BufMin, ring.Size())
	}
}
