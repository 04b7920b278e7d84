package capture

import (
	"context"
	"fmt"
)

// FakeRing is an in-memory Ring implementation used by package tests that
// exercise the drain state machine and alignment engine without real mmap
// devices.
type FakeRing struct {
	buf     []byte
	frames  []int64 // offsets of completed frames, in capture order
	tail    int64   // offset the next pushed frame is written at
	enabled bool
}

// NewFakeRing allocates a fake ring of the given power-of-two size.
func NewFakeRing(size int64) *FakeRing {
	return &FakeRing{buf: make([]byte, size), enabled: true}
}

// PushFrame writes raw bytes (metadata record included) at the ring's
// current tail and records it as a completed frame. It returns the offset
// the frame was written at.
func (r *FakeRing) PushFrame(data []byte) int64 {
	off := r.tail
	r.tail = (off + int64(len(data))) % int64(len(r.buf))
	for i, b := range data {
		r.buf[(off+int64(i))%int64(len(r.buf))] = b
	}
	r.frames = append(r.frames, off)
	return off
}

func (r *FakeRing) Size() int64 { return int64(len(r.buf)) }

func (r *FakeRing) ReadAt(off int64, n int) []byte {
	sz := int64(len(r.buf))
	off = ((off % sz) + sz) % sz
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(off+int64(i))%sz]
	}
	return out
}

func (r *FakeRing) Valid(ptr int64) bool { return ptr >= 0 }
func (r *FakeRing) Ready(ptr int64) bool { return true }

func (r *FakeRing) SeekLast() (int64, error) {
	if len(r.frames) == 0 {
		return -1, fmt.Errorf("capture: fake ring empty")
	}
	return r.frames[len(r.frames)-1], nil
}

func (r *FakeRing) SeekSecond() (int64, error) {
	if len(r.frames) < 2 {
		return -1, fmt.Errorf("capture: fake ring has fewer than 2 frames")
	}
	return r.frames[len(r.frames)-2], nil
}

func (r *FakeRing) indexOf(ptr int64) int {
	for i, o := range r.frames {
		if o == ptr {
			return i
		}
	}
	return -1
}

func (r *FakeRing) SeekPrev(ptr int64) (int64, error) {
	i := r.indexOf(ptr)
	if i <= 0 {
		return -1, fmt.Errorf("capture: no previous frame")
	}
	return r.frames[i-1], nil
}

func (r *FakeRing) SeekNext(ptr int64) (int64, error) {
	i := r.indexOf(ptr)
	if i < 0 || i+1 >= len(r.frames) {
		return -1, fmt.Errorf("capture: no next frame")
	}
	return r.frames[i+1], nil
}

func (r *FakeRing) WaitNext(ctx context.Context, ptr int64) (int64, error) {
	next, err := r.SeekNext(ptr)
	if err == nil {
		return next, nil
	}
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
		return -1, fmt.Errorf("capture: no frame ready")
	}
}

func (r *FakeRing) FreeBytes() (int64, error) { return int64(len(r.buf)), nil }
func (r *FakeRing) UsedBytes() (int64, error) { return 0, nil }

func (r *FakeRing) SetGlobalPointer(ptr int64) error { return nil }

func (r *FakeRing) SeekWriteHead() (int64, error) {
	return r.SeekLast()
}

func (r *FakeRing) WaitDaemonEnabled(ctx context.Context) error {
	if r.enabled {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}
