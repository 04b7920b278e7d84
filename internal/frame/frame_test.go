package frame

import (
	"encoding/binary"
	"testing"
)

func buildRecord(frameLength, metaIndex uint32, signature uint16) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], frameLength)
	binary.LittleEndian.PutUint32(buf[20:24], metaIndex)
	binary.LittleEndian.PutUint16(buf[28:30], signature)
	return buf
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	if _, err := Decode(make([]byte, RecordSize-1)); err == nil {
		t.Fatalf("expected error for a short record")
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	buf := buildRecord(1234, 5, 0xDEAD)
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected signature mismatch error")
	}
}

func TestDecodeValidRecord(t *testing.T) {
	buf := buildRecord(1234, 5, Signature)
	p, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.FrameLength != 1234 {
		t.Fatalf("frame length = %d, want 1234", p.FrameLength)
	}
	if p.MetaIndex != 5 {
		t.Fatalf("meta index = %d, want 5", p.MetaIndex)
	}
}

func TestTimestampOffsetWraps(t *testing.T) {
	const ringSize = 1 << 20
	off := TimestampOffset(ringSize-16, 32, ringSize)
	if off < 0 || off >= ringSize {
		t.Fatalf("offset %d out of ring bounds [0,%d)", off, ringSize)
	}
}

func TestTimestampOffsetIs32ByteAligned(t *testing.T) {
	const ringSize = 1 << 16
	off := TimestampOffset(100, 256, ringSize)
	// The formula derives off from a 32-byte aligned slot minus a fixed
	// sub-offset, so off+MetaSecOffset must land on a 32-byte boundary.
	if (off+MetaSecOffset)%32 != 0 {
		t.Fatalf("offset %d + %d not 32-byte aligned", off, MetaSecOffset)
	}
}

func TestDecodeTimestamp(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], 1700000000)
	binary.LittleEndian.PutUint32(buf[4:8], 500000)
	ts, err := DecodeTimestamp(buf)
	if err != nil {
		t.Fatalf("decode timestamp: %v", err)
	}
	if ts.Sec != 1700000000 || ts.Usec != 500000 {
		t.Fatalf("got %+v", ts)
	}
}

func TestDecodeTimestampShort(t *testing.T) {
	if _, err := DecodeTimestamp(make([]byte, 4)); err == nil {
		t.Fatalf("expected error for short timestamp buffer")
	}
}

func TestAssembleRawNoExif(t *testing.T) {
	hdr := []byte{0xFF, 0xD8, 0x01, 0x02}
	payload := []byte{0x10, 0x20, 0x30}
	pkt := Assemble(SinkRaw, false, hdr, nil, payload, nil)

	slices := pkt.Slices()
	if len(slices) == 0 {
		t.Fatalf("expected non-empty slice list")
	}
	if &slices[0][0] != &hdr[0] {
		t.Fatalf("first slice should be the header, unsplit, with exif disabled")
	}
	want := len(hdr) + len(payload) + 2 // trailing EOI
	if pkt.Len() != want {
		t.Fatalf("packet len = %d, want %d", pkt.Len(), want)
	}
}

func TestAssembleOGMPrependsTag(t *testing.T) {
	hdr := []byte{0xFF, 0xD8}
	pkt := Assemble(SinkOGM, false, hdr, nil, []byte{0x01}, nil)
	slices := pkt.Slices()
	if len(slices[0]) != 1 || slices[0][0] != 0x01 {
		t.Fatalf("first slice should be the single OGM packet-type tag byte, got %v", slices[0])
	}
}

func TestAssembleSplitsHeaderAroundExif(t *testing.T) {
	hdr := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	exif := []byte{0xAA, 0xBB, 0xCC}
	pkt := Assemble(SinkJPEGFile, true, hdr, exif, []byte{0x01}, nil)

	slices := pkt.Slices()
	if len(slices[0]) != 2 || slices[0][0] != 0xFF || slices[0][1] != 0xD8 {
		t.Fatalf("first slice should be the 2-byte SOI, got %v", slices[0])
	}
	if &slices[1][0] != &exif[0] {
		t.Fatalf("second slice should be the exif blob")
	}
	if len(slices[2]) != len(hdr)-2 {
		t.Fatalf("third slice should be the remainder of the header")
	}
}

func TestAssembleSplitPayloadAcrossWrap(t *testing.T) {
	hdr := []byte{0xFF, 0xD8}
	p0 := []byte{0x01, 0x02, 0x03}
	p1 := []byte{0x04, 0x05}
	pkt := Assemble(SinkRaw, false, hdr, nil, p0, p1)
	if pkt.Len() != len(hdr)+len(p0)+len(p1)+2 {
		t.Fatalf("packet len = %d", pkt.Len())
	}
}

func TestAssembleOmitsEmptySlices(t *testing.T) {
	pkt := Assemble(SinkRaw, true, []byte{0xFF, 0xD8}, nil, nil, nil)
	for _, s := range pkt.Slices() {
		if len(s) == 0 {
			t.Fatalf("empty slice should have been omitted from the packet")
		}
	}
}
