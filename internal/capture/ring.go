// Package capture hides the positional-seek side-channel idiom of the
// compressor's capture-ring device behind a named-method interface, per the
// design notes: "Hide the lseek(whence = magic) idiom behind a CaptureRing
// capability with named methods."
package capture

import "context"

// Ring is the capability interface for one sensor's memory-mapped capture
// ring. The capture ring is read-only to the daemon; the compressor is the
// sole mutator, so no lock is required around these calls.
type Ring interface {
	// Valid reports whether the read pointer currently references a frame.
	Valid(ptr int64) bool
	// Ready reports whether the frame at ptr has been completely written
	// by the compressor.
	Ready(ptr int64) bool
	// SeekLast returns the offset of the most recently completed frame.
	SeekLast() (int64, error)
	// SeekSecond returns the offset of the second-to-last completed frame,
	// used in greedy start mode.
	SeekSecond() (int64, error)
	// SeekPrev returns the offset of the frame immediately before ptr.
	SeekPrev(ptr int64) (int64, error)
	// SeekNext returns the offset of the frame immediately after ptr.
	SeekNext(ptr int64) (int64, error)
	// WaitNext blocks until a new frame is available after ptr, or ctx is
	// done.
	WaitNext(ctx context.Context, ptr int64) (int64, error)
	// FreeBytes returns the number of unused bytes left in the ring,
	// used by the port selector to find the closest-to-overrun producer.
	FreeBytes() (int64, error)
	// UsedBytes returns the number of bytes currently occupied.
	UsedBytes() (int64, error)
	// SetGlobalPointer publishes ptr as the ring's "global" read pointer,
	// used for coordinating with other consumers of the same ring.
	SetGlobalPointer(ptr int64) error
	// SeekWriteHead jumps the read pointer to the compressor's current
	// write head (the TOWP pseudo-operation).
	SeekWriteHead() (int64, error)
	// WaitDaemonEnabled blocks until the daemon-enable bit toggles on,
	// or ctx is done.
	WaitDaemonEnabled(ctx context.Context) error

	// Size returns the ring's total capacity in bytes (power of two).
	Size() int64
	// ReadAt returns a slice of ring memory of length n starting at
	// offset off (mod Size), without copying.
	ReadAt(off int64, n int) []byte
}

// HeaderDevice reads the JPEG header captured for the frame selected by a
// prior positional operation. Header size is bounded to JPEGHeaderMaxSize.
type HeaderDevice interface {
	ReadHeader(ringOffset int64) ([]byte, error)
}

// ExifDevice reads the Exif blob selected by metaIndex.
type ExifDevice interface {
	ReadExif(metaIndex uint32) ([]byte, error)
}

// JPEGHeaderMaxSize bounds the JPEG header device's read size.
const JPEGHeaderMaxSize = 0x300

// MaxExifSize bounds the Exif device's read size.
const MaxExifSize = 0x400
