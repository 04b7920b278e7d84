package drain

import (
	"context"
	"fmt"

	"github.com/elphel/camogm-go/internal/capture"
	"github.com/elphel/camogm-go/internal/frame"
)

// Format identifies the active recording container.
type Format int

const (
	FormatNone Format = iota
	FormatOGM
	FormatJPEG
	FormatMOV
)

func (f Format) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatOGM:
		return "ogm"
	case FormatJPEG:
		return "jpeg"
	case FormatMOV:
		return "mov"
	default:
		return "unknown"
	}
}

// Port holds per-sensor-port drain state, grouped as a single value per the
// "arrays-of-SoA -> Port value" design note; a daemon holds [4]Port and
// tracks the active set as a bitmask.
type Port struct {
	Ring   capture.Ring
	Header capture.HeaderDevice
	Exif   capture.ExifDevice

	ReadPointer int64 // -1 = invalid/must resync
	CircSize    int64

	FrameParams     frame.Params
	ThisFrameParams frame.Params

	JPEGHeaderBytes []byte

	BufOverruns uint64
	BufMin      int64 // minimum free-bytes ever observed; starts at CircSize
	FramePeriod uint32 // microseconds; nothing in this package computes it, so it stays as set by the caller

	// SkipLeft counts down frames-to-skip (frames_skip > 0), or holds the
	// next wall-clock second at which a frame should be kept
	// (frames_skip < 0); unused when frames_skip == 0.
	SkipLeft int64

	baselineWidth  uint32
	baselineHeight uint32
	haveBaseline   bool
}

// invalidate marks the read pointer unusable, forcing a resync on the next
// start.
func (p *Port) invalidate() {
	p.ReadPointer = -1
}

// resync seeks the port's read pointer per the start() contract: LAST (or
// SCND in greedy mode), then one step further back via PREV when fps
// pacing is not ignored. FramePeriod is not derived from these frames.
func (p *Port) resync(greedy, ignoreFPS bool) (Code, error) {
	var ptr int64
	var err error
	if greedy {
		ptr, err = p.Ring.SeekSecond()
	} else {
		ptr, err = p.Ring.SeekLast()
	}
	if err != nil {
		p.invalidate()
		return FrameInvalid, err
	}
	if !ignoreFPS {
		if prev, perr := p.Ring.SeekPrev(ptr); perr == nil {
			ptr = prev
		}
		// if no earlier frame exists yet, proceed with just the one we have.
	}
	p.ReadPointer = ptr
	p.BufMin = p.CircSize
	return Ok, nil
}

// readMetadata reads and validates the 32-byte metadata record at the
// port's current read pointer, per the invariant that the bytes at
// (read_pointer - 32) mod circ_size must carry the 0xFFFF signature.
func (p *Port) readMetadata(ptr int64) (frame.Params, Code) {
	off := ((ptr-frame.RecordSize)%p.CircSize + p.CircSize) % p.CircSize
	raw := p.Ring.ReadAt(off, frame.RecordSize)
	params, err := frame.Decode(raw)
	if err != nil {
		p.invalidate()
		return frame.Params{}, FrameBroken
	}
	return params, Ok
}

// checkDrift reports whether width/height changed vs. the session
// baseline captured at start.
func (p *Port) checkDrift(width, height uint32) bool {
	if !p.haveBaseline {
		p.baselineWidth, p.baselineHeight, p.haveBaseline = width, height, true
		return false
	}
	return width != p.baselineWidth || height != p.baselineHeight
}

// free queries the ring for remaining free space, used by port selection.
func (p *Port) free() (int64, error) {
	f, err := p.Ring.FreeBytes()
	if err != nil {
		return 0, fmt.Errorf("drain: port free bytes: %w", err)
	}
	if f < p.BufMin {
		p.BufMin = f
	}
	return f, nil
}

// waitNext blocks until the next frame is ready at this port, or ctx ends.
func (p *Port) waitNext(ctx context.Context) (int64, error) {
	return p.Ring.WaitNext(ctx, p.ReadPointer)
}
