// Package ogm writes an Ogg container stream wrapping MJPEG video, the
// format the original implementation calls OGM. It implements a minimal
// raw Ogg bitstream writer (page framing, lacing, CRC) rather than linking
// a Vorbis/Opus-oriented container library, the way the source this spec
// was distilled from hand-rolls its own page writer instead of depending
// on libogg's higher-level stream helpers for non-audio-codec content.
package ogm

// maxLacingBytes is the maximum number of segment-table entries in one Ogg
// page (255 lacing values, 255 bytes each at most).
const maxLacingBytes = 255
const maxPageDataBytes = maxLacingBytes * 255

var crcTable [256]uint32

func init() {
	const poly = 0x04c11db7
	for i := range crcTable {
		crc := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

func crc32Ogg(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// packet is one logical Ogg packet queued for paging.
type packet struct {
	data       []byte
	granulepos int64
	bos        bool
	eos        bool
}

// stream accumulates packets into pages for a single logical bitstream.
type stream struct {
	serial   uint32
	seq      uint32
	pending  []byte
	segTable []byte
	granule  int64
}

func newStream(serial uint32) *stream {
	return &stream{serial: serial}
}

// packetIn appends one packet's lacing values and payload to the pending
// page, splitting into multiple pages if the packet is large enough to
// need more than 255 lacing segments.
func (s *stream) packetIn(p packet) {
	s.granule = p.granulepos
	remaining := len(p.data)
	off := 0
	for remaining >= 255 {
		s.segTable = append(s.segTable, 255)
		s.pending = append(s.pending, p.data[off:off+255]...)
		off += 255
		remaining -= 255
	}
	s.segTable = append(s.segTable, byte(remaining))
	s.pending = append(s.pending, p.data[off:]...)
}

// flushPage emits a complete Ogg page for whatever is pending, regardless
// of how close to full the current segment table is (used for header
// pages and for end-of-stream).
func (s *stream) flushPage(bos, eos bool) []byte {
	if len(s.segTable) == 0 && !eos {
		return nil
	}
	return s.buildPage(bos, eos)
}

// pageOut emits a page only once the segment table is full, matching
// ogg_stream_pageout's "only page out when there's enough data" behaviour.
func (s *stream) pageOut() []byte {
	if len(s.segTable) < maxLacingBytes {
		return nil
	}
	return s.buildPage(false, false)
}

func (s *stream) buildPage(bos, eos bool) []byte {
	header := make([]byte, 27)
	copy(header[0:4], "OggS")
	header[4] = 0 // stream structure version
	var flags byte
	if bos {
		flags |= 0x02
	}
	if eos {
		flags |= 0x04
	}
	header[5] = flags
	putLE64(header[6:14], s.granule)
	putLE32(header[14:18], s.serial)
	putLE32(header[18:22], s.seq)
	s.seq++
	header[26] = byte(len(s.segTable))

	page := make([]byte, 0, len(header)+len(s.segTable)+len(s.pending))
	page = append(page, header...)
	page = append(page, s.segTable...)
	page = append(page, s.pending...)

	putLE32(page[22:26], 0)
	crc := crc32Ogg(page)
	putLE32(page[22:26], crc)

	s.segTable = s.segTable[:0]
	s.pending = s.pending[:0]
	return page
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * uint(i)))
	}
}
