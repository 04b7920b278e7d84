// Package rawdev implements the raw-device recording engine: the sector
// and element alignment of assembled packets (this file) and the writer
// thread that commits them to a block device (writer.go), plus state-file
// persistence (statefile.go).
//
// The alignment algorithm is a direct, generalized port of
// camogm_align.c's align_frame(): given up to six ordered byte ranges for
// one frame (leader/SOI, Exif, JPEG header, up to two JPEG payload
// fragments split at the ring wrap point, and trailer/EOI), it produces an
// iovec list whose total length is a multiple of SectorSize and whose
// every element (except a trailing carry) is a multiple of ElementAlign,
// inserting a JPEG APP15 stuffing marker to do so and carrying any
// leftover bytes into the next call.
package rawdev

// SectorSize is the block device's logical block size; every submitted
// write's total length must be a multiple of it.
const SectorSize = 512

// ElementAlign is the per-iovec-element alignment required so that a
// sector boundary never falls inside a JPEG SOI/EOI marker.
const ElementAlign = 32

// jpegMarkerLen is the length of a two-byte JPEG marker (FF xx).
const jpegMarkerLen = 2

// app15HeaderLen is FF EF plus the two-byte big-endian length field that
// follows it.
const app15HeaderLen = 4

// Aligner holds the scratch state that must persist across calls:
// a partially built sector (common) and bytes carried over from a frame
// that could not complete a sector (rem). When a frame completes a sector,
// Align folds the bytes held in rem into common; common is cleared only by
// Reset, which callers call after a successful write.
type Aligner struct {
	common    []byte
	rem       []byte
	alignTail []byte
}

// NewAligner returns an Aligner with reasonably sized scratch buffers
// pre-allocated (header + Exif + APP15 + leader, rounded up generously).
func NewAligner() *Aligner {
	return &Aligner{
		common:    make([]byte, 0, 4096),
		rem:       make([]byte, 0, SectorSize),
		alignTail: make([]byte, 0, ElementAlign+jpegMarkerLen),
	}
}

// CarryLen reports how many bytes are currently held in the carry buffer.
func (a *Aligner) CarryLen() int { return len(a.rem) }

// Reset clears the common buffer after its contents have been committed to
// the device, and clears any previous align-tail scratch. The carry buffer
// (rem) is untouched: it holds bytes yet to be folded into a future
// sector.
func (a *Aligner) Reset() {
	a.common = a.common[:0]
	a.alignTail = a.alignTail[:0]
}

func alignBytesNum(dataLen, alignLen int) int {
	rem := dataLen % alignLen
	if rem == 0 {
		return 0
	}
	return alignLen - rem
}

// buildAPP15 returns an n-byte JPEG APP15 stuffing marker: FF EF, a
// two-byte big-endian length field covering everything after the marker
// bytes (i.e. n-2), and n-4 zero padding bytes.
func buildAPP15(n int) []byte {
	m := make([]byte, n)
	m[0] = 0xFF
	m[1] = 0xEF
	if n >= app15HeaderLen {
		length := n - jpegMarkerLen
		m[2] = byte(length >> 8)
		m[3] = byte(length)
	}
	return m
}

// takeFront moves up to `want` bytes from the front of src into dst,
// returning the remainder of src and how many bytes are still wanted.
func takeFront(dst *[]byte, src []byte, want int) (rest []byte, remaining int) {
	if want <= 0 {
		return src, 0
	}
	if want >= len(src) {
		*dst = append(*dst, src...)
		return nil, want - len(src)
	}
	*dst = append(*dst, src[:want]...)
	return src[want:], 0
}

// splitTail returns the last n bytes of s and the remaining front part.
func splitTail(s []byte, n int) (tail, front []byte) {
	if n <= 0 {
		return nil, s
	}
	if n >= len(s) {
		return s, nil
	}
	cut := len(s) - n
	return s[cut:], s[:cut]
}

// Align runs one frame through the alignment algorithm. It returns
// (iov, true) when a write should be committed to the device, or
// (nil, false) when the frame's bytes were entirely absorbed into scratch
// state and no write should happen yet. After a successful write the
// caller must call Reset.
func (a *Aligner) Align(leader, exif, header, data0, data1, trailer []byte) ([][]byte, bool) {
	totalSz := len(leader) + len(exif) + len(header) + len(data0) + len(data1) + len(trailer) + len(a.rem)
	if totalSz < SectorSize {
		a.rem = append(a.rem, leader...)
		a.rem = append(a.rem, exif...)
		a.rem = append(a.rem, header...)
		a.rem = append(a.rem, data0...)
		a.rem = append(a.rem, data1...)
		a.rem = append(a.rem, trailer...)
		return nil, false
	}

	if len(a.rem) != 0 {
		a.common = append(a.common, a.rem...)
		a.rem = a.rem[:0]
	}

	a.common = append(a.common, leader...)
	if len(exif) != 0 {
		a.common = append(a.common, exif...)
	}

	dataLen := len(a.common) + len(header)
	pad := alignBytesNum(dataLen, ElementAlign)
	if pad != 0 && pad < app15HeaderLen {
		pad += ElementAlign
	}
	if pad != 0 {
		a.common = append(a.common, buildAPP15(pad)...)
	}
	a.common = append(a.common, header...)

	payloadLen := len(data0) + len(data1) + len(trailer)
	if payloadLen < SectorSize {
		num := alignBytesNum(len(a.common), SectorSize)
		if payloadLen >= num {
			// The payload has enough bytes to fill a.common to exactly a
			// sector boundary. Whatever's left over past that boundary
			// carries into the next frame; the filled sector itself is
			// ready to commit now, same as the full-payload path below.
			data0, num = takeFront(&a.common, data0, num)
			data1, num = takeFront(&a.common, data1, num)
			trailer, num = takeFront(&a.common, trailer, num)
			a.rem = append(a.rem, data0...)
			a.rem = append(a.rem, data1...)
			a.rem = append(a.rem, trailer...)
			return [][]byte{a.common}, true
		}
		excess := len(a.common) % SectorSize
		tail, front := splitTail(a.common, excess)
		a.rem = append(a.rem, tail...)
		a.common = front
		a.rem = append(a.rem, data0...)
		a.rem = append(a.rem, data1...)
		a.rem = append(a.rem, trailer...)
		return nil, false
	}

	totalAll := len(a.common) + len(data0) + len(data1) + len(trailer)
	overhang := totalAll % SectorSize
	if overhang != 0 {
		data0, data1, trailer = a.peelOverhang(data0, data1, trailer, overhang)
	} else {
		a.alignElement(&data0, &data1, &trailer)
	}

	iov := make([][]byte, 0, 6)
	iov = append(iov, a.common)
	for _, s := range [][]byte{data0, data1, trailer, a.alignTail} {
		if len(s) > 0 {
			iov = append(iov, s)
		}
	}
	return iov, true
}

// peelOverhang removes the bytes past the nearest sector boundary from
// the tail of the frame (trailer, then data1, then data0, in that order)
// into the carry buffer, matching align_frame's three sub-cases.
func (a *Aligner) peelOverhang(data0, data1, trailer []byte, overhang int) (d0, d1, tr []byte) {
	switch {
	case overhang >= len(data1)+len(trailer):
		cut := overhang - len(data1) - len(trailer)
		tail, front := splitTail(data0, cut)
		a.rem = append(a.rem, tail...)
		a.rem = append(a.rem, data1...)
		a.rem = append(a.rem, trailer...)
		return front, nil, nil
	case overhang >= len(trailer):
		cut := overhang - len(trailer)
		tail, front := splitTail(data1, cut)
		a.rem = append(a.rem, tail...)
		a.rem = append(a.rem, trailer...)
		return data0, front, nil
	default:
		dataLen := SectorSize - (len(trailer) - overhang)
		if dataLen >= len(data1) {
			cut := dataLen - len(data1)
			tail, front := splitTail(data0, cut)
			a.rem = append(a.rem, tail...)
			a.rem = append(a.rem, data1...)
			a.rem = append(a.rem, trailer...)
			return front, nil, nil
		}
		tail, front := splitTail(data1, dataLen)
		a.rem = append(a.rem, tail...)
		a.rem = append(a.rem, trailer...)
		return data0, front, nil
	}
}

// alignElement absorbs up to ElementAlign-1 bytes from the end of the
// last non-empty payload slice, plus the trailer, into the align-tail
// scratch buffer so every emitted iovec element is ElementAlign-aligned.
// Used only when the frame already lands exactly on a sector boundary.
func (a *Aligner) alignElement(data0, data1, trailer *[]byte) {
	a.alignTail = a.alignTail[:0]
	if len(*data1) == 0 {
		excess := len(*data0) % ElementAlign
		tail, front := splitTail(*data0, excess)
		a.alignTail = append(a.alignTail, tail...)
		*data0 = front
	} else {
		excess := len(*data1) % ElementAlign
		tail, front := splitTail(*data1, excess)
		a.alignTail = append(a.alignTail, tail...)
		*data1 = front
	}
	a.alignTail = append(a.alignTail, *trailer...)
	*trailer = nil
}

// FinalFlush pads the carry buffer with zeros up to a full sector and
// returns it as a single iovec, for use when stopping a raw-device
// session with a non-empty carry.
func (a *Aligner) FinalFlush() [][]byte {
	if len(a.rem) == 0 {
		return nil
	}
	pad := SectorSize - len(a.rem)%SectorSize
	if pad == SectorSize {
		pad = 0
	}
	block := make([]byte, len(a.rem)+pad)
	copy(block, a.rem)
	a.rem = a.rem[:0]
	return [][]byte{block}
}
