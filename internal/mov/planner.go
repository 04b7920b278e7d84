package mov

import (
	"encoding/binary"
	"fmt"
)

// qtEpochOffset converts a Unix epoch second into the QuickTime/HFS epoch
// (1904-01-01), which is 2082844800 - 43200 = 2082801600 seconds before
// 1970-01-01 at the precision this format cares about.
const qtEpochOffset = 2082801600

// StscEntry is one Sample-To-Chunk table entry: "starting at FirstChunk,
// every chunk holds SamplesPerChunk samples using SampleDescIndex".
type StscEntry struct {
	FirstChunk      uint32
	SamplesPerChunk uint32
	SampleDescIndex uint32
}

// Ctx carries every value the template's computed fields need. Plan
// resolves HeaderSize itself between the two passes; the caller fills in
// everything else, DataStart included, before calling Plan.
type Ctx struct {
	Width, Height  uint32
	NFrames        int
	Timescale      int64
	FrameDuration  int64 // per-frame duration in Timescale units
	FramesPerChunk int

	// FrameLengths holds one entry per recorded sample in emission order;
	// the MSB of an entry flags it as an audio frame (stripped before
	// writing into stsz).
	FrameLengths []uint32

	AudioEnabled       bool
	AudioChannels      uint16
	AudioRate          uint32 // 16.16 fixed point
	AudioTimescale     int64
	AudioFrames        int
	AudioBytesPerFrame uint32
	SamplesToChunk     []StscEntry // 1..3 entries

	DataStart int64 // byte offset where frame payload begins
	NowUnix   int64 // caller-supplied wall clock, kept out of the template for determinism

	HeaderSize int64 // resolved after pass 1
}

const audioFrameFlag = 1 << 31

// IsAudioFrame reports whether a FrameLengths entry is flagged as audio.
func IsAudioFrame(v uint32) bool { return v&audioFrameFlag != 0 }

// FrameByteLength strips the audio flag bit, returning the real length.
func FrameByteLength(v uint32) uint32 { return v &^ audioFrameFlag }

// planner evaluates a Template's AST against a Ctx, emitting bytes.
type planner struct {
	ctx       *Ctx
	pass2     bool
	out       []byte
	mdataAt   []int // positions where the mdata placeholder was written, for pass-2 backpatching in pass 1 output (unused once pass2 knows HeaderSize directly)
}

// Plan runs the two-pass fixed point described in 4.5: pass 1 emits zero
// placeholders for every size-dependent field to establish HeaderSize;
// pass 2 re-emits with HeaderSize resolved, and every nested atom
// back-patches its own length at its start offset.
func Plan(tmpl *Template, ctx *Ctx) ([]byte, error) {
	p1 := &planner{ctx: ctx, pass2: false}
	if err := p1.evalNodes(tmpl.Root); err != nil {
		return nil, fmt.Errorf("mov: pass 1: %w", err)
	}
	ctx.HeaderSize = int64(len(p1.out))

	p2 := &planner{ctx: ctx, pass2: true}
	if err := p2.evalNodes(tmpl.Root); err != nil {
		return nil, fmt.Errorf("mov: pass 2: %w", err)
	}
	if int64(len(p2.out)) != ctx.HeaderSize {
		return nil, fmt.Errorf("mov: two-pass fixed point did not converge: pass1=%d pass2=%d", ctx.HeaderSize, len(p2.out))
	}
	return p2.out, nil
}

func (p *planner) evalNodes(nodes []Node) error {
	for _, n := range nodes {
		if err := p.evalNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (p *planner) evalNode(n Node) error {
	switch n.Kind {
	case NodeHex:
		p.out = append(p.out, n.Bytes...)
	case NodeString:
		p.out = append(p.out, n.Bytes...)
	case NodeChild:
		start := len(p.out)
		p.out = append(p.out, 0, 0, 0, 0) // size placeholder, back-patched below
		if err := p.evalNodes(n.Children); err != nil {
			return err
		}
		size := uint32(len(p.out) - start)
		binary.BigEndian.PutUint32(p.out[start:start+4], size)
	case NodeField:
		return p.evalField(n.Field)
	}
	return nil
}

func (p *planner) put32(v uint32) { p.out = binary.BigEndian.AppendUint32(p.out, v) }
func (p *planner) put64(v uint64) { p.out = binary.BigEndian.AppendUint64(p.out, v) }
func (p *planner) put16(v uint16) { p.out = binary.BigEndian.AppendUint16(p.out, v) }

func (p *planner) evalField(name string) error {
	c := p.ctx
	switch name {
	case "mdata":
		p.put64(uint64(c.HeaderSize))
	case "width":
		p.put32(c.Width)
	case "height":
		p.put32(c.Height)
	case "nframes":
		p.put32(uint32(c.NFrames))
	case "timescale":
		p.put32(uint32(c.Timescale))
	case "frame_duration":
		p.put32(uint32(c.FrameDuration))
	case "duration":
		p.put32(uint32(int64(c.NFrames) * c.FrameDuration))
	case "samples_chunk":
		p.put32(uint32(c.FramesPerChunk))
	case "time":
		p.put32(uint32(c.NowUnix + qtEpochOffset))
	case "sample_sizes":
		p.put32(uint32(len(c.FrameLengths)))
		for _, fl := range c.FrameLengths {
			if !IsAudioFrame(fl) {
				p.put32(FrameByteLength(fl))
			}
		}
	case "chunk_offsets":
		return p.emitChunkOffsets()
	case "audio_channels":
		p.put16(c.AudioChannels)
	case "audio_rate":
		p.put32(c.AudioRate)
	case "audio_timescale":
		p.put32(uint32(c.AudioTimescale))
	case "audio_duration":
		p.put32(uint32(int64(c.AudioFrames) * (c.AudioTimescale / max64(c.AudioTimescale, 1))))
	case "audio_frames":
		p.put32(uint32(c.AudioFrames))
	case "audio_samples":
		p.put32(uint32(c.AudioFrames))
	case "audio_bytes_per_frame":
		p.put32(c.AudioBytesPerFrame)
	case "audio_stsz":
		p.put32(c.AudioBytesPerFrame)
		p.put32(0)
	case "audio_stco":
		return p.emitAudioChunkOffsets()
	case "audio_stsc":
		return p.emitAudioStsc()
	case "data_size":
		return p.emitDataSize()
	default:
		return fmt.Errorf("mov: unknown template field %q", name)
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// emitChunkOffsets emits the count, then the running header_size + sum of
// preceding frame lengths at each chunk boundary, walking video frames
// only (audio frames are excluded from the video chunk table).
func (p *planner) emitChunkOffsets() error {
	c := p.ctx
	var offsets []uint32
	running := c.HeaderSize
	inChunk := 0
	chunkStart := running
	started := false
	for _, fl := range c.FrameLengths {
		if IsAudioFrame(fl) {
			running += int64(FrameByteLength(fl))
			continue
		}
		if !started {
			chunkStart = running
			started = true
		}
		running += int64(FrameByteLength(fl))
		inChunk++
		if inChunk == c.FramesPerChunk {
			offsets = append(offsets, uint32(chunkStart))
			inChunk = 0
			started = false
		}
	}
	if inChunk > 0 {
		offsets = append(offsets, uint32(chunkStart))
	}
	p.put32(uint32(len(offsets)))
	for _, o := range offsets {
		p.put32(o)
	}
	return nil
}

// emitAudioChunkOffsets walks FrameLengths picking audio-flagged entries
// and emits their running byte offsets.
func (p *planner) emitAudioChunkOffsets() error {
	c := p.ctx
	var offsets []uint32
	running := c.HeaderSize
	for _, fl := range c.FrameLengths {
		if IsAudioFrame(fl) {
			offsets = append(offsets, uint32(running))
		}
		running += int64(FrameByteLength(fl))
	}
	p.put32(uint32(len(offsets)))
	for _, o := range offsets {
		p.put32(o)
	}
	return nil
}

// emitAudioStsc emits 1-3 entries from the captured SamplesToChunk table,
// summarising "first chunk", "middle chunks" (identical sample count), and
// "last chunk" -- the audio reader enforces that every chunk but possibly
// the first and last is identical before this is called.
func (p *planner) emitAudioStsc() error {
	entries := p.ctx.SamplesToChunk
	if len(entries) == 0 || len(entries) > 3 {
		return fmt.Errorf("mov: audio_stsc expects 1-3 entries, got %d", len(entries))
	}
	p.put32(uint32(len(entries)))
	for _, e := range entries {
		p.put32(e.FirstChunk)
		p.put32(e.SamplesPerChunk)
		p.put32(e.SampleDescIndex)
	}
	return nil
}

// emitDataSize emits a "skip" atom covering the gap between the header
// end and DataStart (if any), followed by the mdat payload length.
func (p *planner) emitDataSize() error {
	c := p.ctx
	gap := c.DataStart - c.HeaderSize
	if gap > 0 {
		skipSize := uint32(gap)
		p.put32(skipSize)
		p.out = append(p.out, "skip"...)
		p.out = append(p.out, make([]byte, gap-8)...)
	}
	var total int64
	for _, fl := range c.FrameLengths {
		total += int64(FrameByteLength(fl))
	}
	p.put64(uint64(total))
	return nil
}
