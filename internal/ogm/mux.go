package ogm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// streamHeaderSize is sizeof(stream_header) from the OGM container
// layout: 8+4 type tags, a 4-byte self size, two 8-byte time fields, a
// 4-byte default length, a 4-byte buffer size, a 2-byte bit depth, 2 bytes
// of padding to 4-align the trailing video/audio union, and an 8-byte
// video union (width, height).
const streamHeaderSize = 52

const vendorString = "ElphelOgm v 0.1"

// commentPacketType is the Ogg packet-type byte for the comment header.
const commentPacketType = 0x03

// Muxer writes a single-stream Ogg container carrying MJPEG video, in the
// shape the original OGM writer produces: one BOS page with a
// stream_header, one comment page, per-frame data packets (every MJPEG
// frame is its own sync point, since there is no inter-frame prediction),
// and a final empty EOS packet. The frame.Assemble packet-type tag byte is
// part of the data passed to WriteFrame, not added again here.
type Muxer struct {
	w    io.Writer
	os   *stream
	gran int64
	unit int64 // timescale granule increment per frame
}

// Config carries the fields needed to build the BOS stream_header.
type Config struct {
	SerialNo     uint32
	Width        uint32
	Height       uint32
	Timescale    int64 // samples_per_unit
	FramePeriod  int64 // frame period; the stream header's time_unit is written as FramePeriod*10
}

// NewMuxer starts an OGM stream: writes the BOS header page and the
// comment page, and readies the muxer for per-frame Write calls.
func NewMuxer(w io.Writer, cfg Config) (*Muxer, error) {
	m := &Muxer{w: w, os: newStream(cfg.SerialNo), unit: cfg.Timescale}

	sh := make([]byte, streamHeaderSize)
	copy(sh[0:8], "video\x00\x00\x00")
	copy(sh[8:12], "MJPG")
	binary.LittleEndian.PutUint32(sh[12:16], streamHeaderSize)
	timeUnit := cfg.FramePeriod * 10
	binary.LittleEndian.PutUint64(sh[16:24], uint64(timeUnit))
	binary.LittleEndian.PutUint64(sh[24:32], uint64(cfg.Timescale))
	binary.LittleEndian.PutUint32(sh[32:36], 1) // default_len
	binary.LittleEndian.PutUint32(sh[36:40], cfg.Width*cfg.Height)
	binary.LittleEndian.PutUint16(sh[40:42], 0) // bits_per_sample
	binary.LittleEndian.PutUint32(sh[44:48], cfg.Width)
	binary.LittleEndian.PutUint32(sh[48:52], cfg.Height)

	hdrPacket := make([]byte, 1+streamHeaderSize)
	hdrPacket[0] = 1
	copy(hdrPacket[1:], sh)

	m.os.packetIn(packet{data: hdrPacket, bos: true})
	if err := m.writePage(m.os.flushPage(true, false)); err != nil {
		return nil, err
	}

	comment := buildCommentPacket()
	m.os.packetIn(packet{data: comment})
	if err := m.writePage(m.os.flushPage(false, false)); err != nil {
		return nil, err
	}

	m.gran = 0
	return m, nil
}

func buildCommentPacket() []byte {
	buf := make([]byte, 0, 7+4+len(vendorString)+4+1)
	buf = append(buf, commentPacketType)
	buf = append(buf, "vorbis"...)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(vendorString)))
	buf = append(buf, lenBuf...)
	buf = append(buf, vendorString...)
	binary.LittleEndian.PutUint32(lenBuf, 0) // comment count
	buf = append(buf, lenBuf...)
	buf = append(buf, 1) // framing bit
	return buf
}

// WriteFrame packets one frame's scatter-gather slices (as produced by
// the packet assembler) into the stream and flushes any full pages.
// Granulepos increments by the configured timescale per frame.
func (m *Muxer) WriteFrame(slices [][]byte) error {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	data := make([]byte, 0, total)
	for _, s := range slices {
		data = append(data, s...)
	}

	m.gran += m.unit
	m.os.packetIn(packet{data: data, granulepos: m.gran})
	for {
		page := m.os.pageOut()
		if page == nil {
			break
		}
		if err := m.writePage(page); err != nil {
			return err
		}
	}
	return nil
}

// Close emits the final empty end-of-stream packet and flushes the
// closing page.
func (m *Muxer) Close() error {
	m.gran++
	m.os.packetIn(packet{data: nil, granulepos: m.gran, eos: true})
	return m.writePage(m.os.flushPage(false, true))
}

func (m *Muxer) writePage(page []byte) error {
	if len(page) == 0 {
		return nil
	}
	if _, err := m.w.Write(page); err != nil {
		return fmt.Errorf("ogm: write page: %w", err)
	}
	return nil
}
