package ogm

import (
	"bytes"
	"testing"
)

func TestMuxerWritesOggSMagic(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewMuxer(&buf, Config{SerialNo: 1, Width: 1920, Height: 1080, Timescale: 10000, FramePeriod: 400})
	if err != nil {
		t.Fatalf("NewMuxer: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("OggS")) {
		t.Fatalf("stream does not start with OggS magic")
	}
	if err := m.WriteFrame([][]byte{[]byte{0x01}, []byte("jpegdata")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected non-empty output")
	}
}

func TestCRC32OggMatchesKnownValue(t *testing.T) {
	// CRC of an empty buffer must be zero.
	if got := crc32Ogg(nil); got != 0 {
		t.Fatalf("crc32Ogg(nil) = %#x, want 0", got)
	}
}
