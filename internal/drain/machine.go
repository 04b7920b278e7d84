package drain

import (
	"context"
	"sync"
	"time"

	"github.com/elphel/camogm-go/internal/frame"
)

// Config holds the per-session recording parameters that drive the drain
// state machine's decisions. It corresponds to the recording-session
// fields of the data model that govern ticking (format/session-lifetime
// limits live in package session; this subset is what the state machine
// itself consults).
type Config struct {
	ActivePorts  uint8 // bitmask over the 4 ports
	Greedy       bool
	IgnoreFPS    bool
	ExifEnabled  bool
	FramesSkip   int64 // >0 count frames, <0 wall-clock seconds, 0 keep all
	StartAfterTS float64

	SegmentDurationS   float64
	SegmentLengthBytes int64
	MaxFrames          int64 // MOV only; 0 = unlimited
}

// Sink receives one assembled packet per kept frame and reports whether a
// segment boundary was crossed (FrameNextFile) or a hard error occurred.
type Sink interface {
	WriteFrame(pkt *frame.Packet, port int, ts frame.Timestamp) Code
}

// Machine is the multi-port frame-drain state machine described in
// component 4.1: it reads from up to four sensor capture rings,
// interprets inter-frame metadata, tracks per-port read pointers, detects
// overruns and parameter drift, and paces recording.
type Machine struct {
	mu    sync.Mutex
	state State

	cfg   Config
	ports [4]*Port
	sink  Sink

	firstFrameTS   float64
	haveFirstFrame bool
	framesEmitted  int64

	lastErrorCode Code
}

// New constructs a drain state machine over up to four ports.
func New(ports [4]*Port, sink Sink) *Machine {
	return &Machine{ports: ports, sink: sink, state: Stopped}
}

// State returns the current program state under the state mutex, matching
// the locking discipline that only state.mutex guards prog_state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// SetSink replaces the sink frames are delivered to. Each Start builds a
// new session.Recorder (format may change between starts), so the caller
// rebinds the sink right before starting rather than fixing it once in
// New.
func (m *Machine) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Dimensions returns the frame width/height baseline captured from the
// first active port with a resynced read pointer, so a sink that must
// declare dimensions up front (OGM, MOV) can be configured right after
// Start succeeds.
func (m *Machine) Dimensions() (width, height uint32, ok bool) {
	for i := 0; i < 4; i++ {
		if m.cfg.ActivePorts&(1<<uint(i)) == 0 {
			continue
		}
		p := m.ports[i]
		if p == nil || !p.haveBaseline {
			continue
		}
		return p.baselineWidth, p.baselineHeight, true
	}
	return 0, 0, false
}

// Start activates ports and resyncs each one's read pointer, per the
// start() contract in 4.1.
func (m *Machine) Start(cfg Config) Code {
	m.setState(Starting)
	m.cfg = cfg
	m.firstFrameTS = 0
	m.haveFirstFrame = false
	m.framesEmitted = 0

	anyOK := false
	for i := 0; i < 4; i++ {
		if cfg.ActivePorts&(1<<uint(i)) == 0 {
			continue
		}
		p := m.ports[i]
		if p == nil {
			continue
		}
		if code, _ := p.resync(cfg.Greedy, cfg.IgnoreFPS); code != Ok {
			continue
		}
		params, code := p.readMetadata(p.ReadPointer)
		if code != Ok {
			m.lastErrorCode = code
			continue
		}
		p.FrameParams = params
		p.ThisFrameParams = params
		p.baselineWidth, p.baselineHeight, p.haveBaseline = widthOf(params), heightOf(params), true
		hdr, err := p.Header.ReadHeader(p.ReadPointer)
		if err != nil {
			m.lastErrorCode = FrameFileErr
			continue
		}
		p.JPEGHeaderBytes = hdr
		anyOK = true
	}
	if !anyOK {
		m.setState(Stopped)
		return FrameNotReady
	}
	m.setState(Running)
	return Ok
}

// Stop finalises the session, transitioning to Stopped. The caller (the
// format sink owner) is responsible for calling end_* on the active
// format before invoking Stop.
func (m *Machine) Stop() {
	m.setState(Stopped)
}

// selectPort picks the active port with least remaining free space in its
// capture ring (closest to overrun), tie broken by lowest index; ports
// whose ring reports no valid position are skipped.
func (m *Machine) selectPort() (int, *Port, error) {
	best := -1
	var bestFree int64
	for i := 0; i < 4; i++ {
		if m.cfg.ActivePorts&(1<<uint(i)) == 0 {
			continue
		}
		p := m.ports[i]
		if p == nil || p.ReadPointer < 0 {
			continue
		}
		free, err := p.free()
		if err != nil {
			continue
		}
		if best < 0 || free < bestFree {
			best, bestFree = i, free
		}
	}
	if best < 0 {
		return -1, nil, errNoPort
	}
	return best, m.ports[best], nil
}

var errNoPort = &noPortErr{}

type noPortErr struct{}

func (*noPortErr) Error() string { return "drain: no active port with a valid read pointer" }

// keepFrame applies the skip/time-lapse policy for the given port and
// timestamp, returning whether the frame should be kept.
func (p *Port) keepFrame(cfg Config, ts frame.Timestamp) bool {
	switch {
	case cfg.FramesSkip > 0:
		if p.SkipLeft > 0 {
			p.SkipLeft--
			return false
		}
		p.SkipLeft = cfg.FramesSkip
		return true
	case cfg.FramesSkip < 0:
		if int64(ts.Sec) < p.SkipLeft {
			return false
		}
		p.SkipLeft = int64(ts.Sec) - cfg.FramesSkip // FramesSkip is negative; subtracting adds |FramesSkip|
		return true
	default:
		return true
	}
}

// Tick runs one iteration of the drain loop: select a port, check for a
// ready frame, apply pacing, detect drift/segment limits, and emit a
// packet to the sink.
func (m *Machine) Tick(ctx context.Context) Code {
	if m.State() != Running {
		return FrameNotReady
	}

	idx, p, err := m.selectPort()
	if err != nil {
		return FrameBroken
	}

	if m.cfg.StartAfterTS > 0 {
		ts, code := peekTimestamp(p)
		if code == Ok && float64(ts.Sec)+float64(ts.Usec)/1e6 < m.cfg.StartAfterTS {
			return TooEarly
		}
	}

	next, err := p.waitNext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return FrameNotReady
		}
		p.invalidate()
		return FrameBroken
	}

	params, code := p.readMetadata(next)
	if code != Ok {
		return code
	}

	if p.checkDrift(widthOf(params), heightOf(params)) {
		return FrameChanged
	}

	ts, code := p.currentTimestamp(next)
	if code != Ok {
		return code
	}

	if m.cfg.MaxFrames > 0 && m.framesEmitted >= m.cfg.MaxFrames {
		return FrameChanged
	}

	if !m.haveFirstFrame {
		m.firstFrameTS = float64(ts.Sec) + float64(ts.Usec)/1e6
		m.haveFirstFrame = true
	} else if m.cfg.SegmentDurationS > 0 {
		elapsed := float64(ts.Sec) + float64(ts.Usec)/1e6 - m.firstFrameTS
		if elapsed > m.cfg.SegmentDurationS {
			return FrameChanged
		}
	}

	if !p.keepFrame(m.cfg, ts) {
		p.ReadPointer = next
		return Ok
	}

	hdr, err := p.Header.ReadHeader(next)
	if err != nil {
		return FrameFileErr
	}
	var exifBlob []byte
	if m.cfg.ExifEnabled && p.Exif != nil {
		exifBlob, err = p.Exif.ReadExif(params.MetaIndex)
		if err != nil {
			return FrameFileErr
		}
	}

	payload := p.Ring.ReadAt(next, int(params.FrameLength))
	pkt := frameAssemble(hdr, exifBlob, m.cfg.ExifEnabled, payload)

	p.ReadPointer = next
	p.ThisFrameParams = params
	m.framesEmitted++

	sinkCode := m.sink.WriteFrame(pkt, idx, ts)
	if sinkCode != Ok {
		m.lastErrorCode = sinkCode
		return sinkCode
	}
	return Ok
}

func widthOf(p frame.Params) uint32  { return le32(p.Raw[0:4]) }
func heightOf(p frame.Params) uint32 { return le32(p.Raw[4:8]) }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func peekTimestamp(p *Port) (frame.Timestamp, Code) {
	return p.currentTimestamp(p.ReadPointer)
}

func (p *Port) currentTimestamp(ptr int64) (frame.Timestamp, Code) {
	off := frame.TimestampOffset(ptr, p.FrameParams.FrameLength, p.CircSize)
	raw := p.Ring.ReadAt(off, 8)
	ts, err := frame.DecodeTimestamp(raw)
	if err != nil {
		return frame.Timestamp{}, FrameBroken
	}
	return ts, Ok
}

func frameAssemble(hdr, exifBlob []byte, exifEnabled bool, payload []byte) *frame.Packet {
	return frame.Assemble(frame.SinkRaw, exifEnabled, hdr, exifBlob, payload, nil)
}

// now is a seam for tests; not used by the core tick path but kept for
// wall-clock time-lapse edge cases that operate outside frame timestamps.
var now = time.Now
