package rawdev

import "fmt"

// Ring tracks the raw-device buffer descriptor: the LBA range reserved for
// recording and the current write head, which wraps from LBAEnd back to
// LBAStart.
type Ring struct {
	Device string

	LBAStart   int64
	LBAEnd     int64 // exclusive
	LBACurrent int64

	TotalRecLen  int64
	LastJPEGSize int64
	Overruns     uint64
}

// NewRing validates and constructs a Ring descriptor, starting the write
// head at LBAStart.
func NewRing(device string, lbaStart, lbaEnd int64) (*Ring, error) {
	if lbaEnd <= lbaStart {
		return nil, fmt.Errorf("rawdev: invalid LBA range [%d, %d)", lbaStart, lbaEnd)
	}
	return &Ring{Device: device, LBAStart: lbaStart, LBAEnd: lbaEnd, LBACurrent: lbaStart}, nil
}

// Advance moves the write head forward by blocks sectors, wrapping to
// LBAStart and incrementing Overruns if the advance would reach LBAEnd.
func (r *Ring) Advance(blocks int64) {
	if r.LBACurrent+blocks < r.LBAEnd {
		r.LBACurrent += blocks
	} else {
		r.LBACurrent = r.LBAStart
		r.Overruns++
	}
	r.TotalRecLen += blocks * SectorSize
}

// Offset returns the byte offset of the current write head.
func (r *Ring) Offset() int64 { return r.LBACurrent * SectorSize }

// LBAToOffset converts an LBA to a byte offset.
func LBAToOffset(lba int64) int64 { return lba * SectorSize }
