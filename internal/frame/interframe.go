// Package frame decodes the fixed-layout inter-frame metadata record written
// by the compressor and assembles the ordered byte slices that make up one
// recorded frame.
package frame

import (
	"encoding/binary"
	"fmt"
)

// RecordSize is the width in bytes of one inter-frame metadata record.
const RecordSize = 32

// Signature is the expected value of the 2-byte signature field; any other
// value means the record is not aligned on a real metadata slot.
const Signature = 0xFFFF

// MetaSecOffset is the fixed negative offset (from the *next* metadata
// slot) at which the 8-byte (sec, usec) timestamp pair lives.
const MetaSecOffset = 8

// Params is the decoded 32-byte inter-frame metadata record.
//
//	0..4   frame_length
//	4..28  sensor/compressor parameters and meta_index
//	28..30 signature (0xFFFF)
//	30..32 reserved
type Params struct {
	FrameLength uint32
	Raw         [20]byte // opaque sensor/compressor parameter block
	MetaIndex   uint32
	Signature   uint16
	Reserved    uint16
}

// Timestamp is the (sec, usec) pair recovered from the fixed offset derived
// from a metadata slot's ring position.
type Timestamp struct {
	Sec  uint32
	Usec uint32
}

// Decode parses a 32-byte little-endian metadata record. It always checks
// the signature first; every other field is meaningless if that check
// fails.
func Decode(buf []byte) (Params, error) {
	if len(buf) < RecordSize {
		return Params{}, fmt.Errorf("frame: short metadata record: %d bytes", len(buf))
	}
	var p Params
	p.FrameLength = binary.LittleEndian.Uint32(buf[0:4])
	copy(p.Raw[:16], buf[4:20])
	p.MetaIndex = binary.LittleEndian.Uint32(buf[20:24])
	copy(p.Raw[16:20], buf[24:28])
	p.Signature = binary.LittleEndian.Uint16(buf[28:30])
	p.Reserved = binary.LittleEndian.Uint16(buf[30:32])
	if p.Signature != Signature {
		return p, fmt.Errorf("frame: bad signature %#04x, want %#04x", p.Signature, Signature)
	}
	return p, nil
}

// TimestampOffset computes the ring offset of the (sec, usec) pair
// associated with a frame whose metadata slot sits at ringOffset, per the
// fixed formula in the wire format: the timestamp lives just before the
// *next* metadata slot, 32-byte aligned down from there.
func TimestampOffset(ringOffset int64, frameLength uint32, ringSize int64) int64 {
	next := (ringOffset + int64(frameLength) + 35) &^ 0x1F
	off := next + 32 - MetaSecOffset
	off %= ringSize
	if off < 0 {
		off += ringSize
	}
	return off
}

// DecodeTimestamp parses the 8-byte (sec, usec) pair at the given buffer,
// which must already be positioned at the offset TimestampOffset computed.
func DecodeTimestamp(buf []byte) (Timestamp, error) {
	if len(buf) < 8 {
		return Timestamp{}, fmt.Errorf("frame: short timestamp record: %d bytes", len(buf))
	}
	return Timestamp{
		Sec:  binary.LittleEndian.Uint32(buf[0:4]),
		Usec: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}
