package frame

// Sink identifies which format consumes an assembled packet; only OGM gets
// the leading packet-type tag byte.
type Sink int

const (
	SinkRaw Sink = iota
	SinkJPEGFile
	SinkMOV
	SinkOGM
)

var (
	eoiMarker = [2]byte{0xFF, 0xD9}
	ogmTag    = [1]byte{0x01}
)

// Packet is the ordered list of byte slices that make up one recorded
// frame, built without copying the JPEG payload out of the capture ring.
type Packet struct {
	slices [][]byte
}

// Slices returns the ordered byte slices. The caller must finish consuming
// them before the capture ring's read pointer is allowed to advance past
// this frame, since payload slices alias ring memory directly.
func (p *Packet) Slices() [][]byte { return p.slices }

// Len returns the sum of all slice lengths.
func (p *Packet) Len() int {
	n := 0
	for _, s := range p.slices {
		n += len(s)
	}
	return n
}

func (p *Packet) add(b []byte) {
	if len(b) > 0 {
		p.slices = append(p.slices, b)
	}
}

// Assemble builds the ordered slice list for one frame.
//
//   - sink == SinkOGM prepends a single packet-type tag byte.
//   - if exifEnabled, the JPEG header is split around an Exif blob inserted
//     right after the SOI marker; otherwise the header is emitted whole.
//   - payload is one slice if contiguous in the ring, else two slices split
//     at the ring wrap point (payload1 non-nil).
//   - a trailing EOI marker is always appended from a static constant, not
//     read from the ring.
func Assemble(sink Sink, exifEnabled bool, jpegHeader, exifBlob, payload0, payload1 []byte) *Packet {
	pkt := &Packet{slices: make([][]byte, 0, 8)}
	if sink == SinkOGM {
		pkt.add(ogmTag[:])
	}
	if exifEnabled && len(jpegHeader) >= 2 {
		pkt.add(jpegHeader[0:2])
		pkt.add(exifBlob)
		pkt.add(jpegHeader[2:])
	} else {
		pkt.add(jpegHeader)
	}
	pkt.add(payload0)
	pkt.add(payload1)
	pkt.add(eoiMarker[:])
	return pkt
}
