// Package session ties the drain state machine to a concrete output
// format, owning segment rotation and the format-specific sinks (JPEG
// file-per-frame, OGM, QuickTime/MOV, and the raw block-device ring).
// It is the component that actually "holds" one recording: format,
// path_prefix/rawdev_path, frame limits, and the sink lifecycle that
// camogm_free (component 4.1) tears down on stop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/elphel/camogm-go/internal/drain"
	"github.com/elphel/camogm-go/internal/frame"
	"github.com/elphel/camogm-go/internal/mov"
	"github.com/elphel/camogm-go/internal/ogm"
	"github.com/elphel/camogm-go/internal/rawdev"
)

// Format mirrors drain.Format; kept distinct so this package does not leak
// drain's internal naming into callers that only care about session state.
type Format = drain.Format

const (
	FormatNone = drain.FormatNone
	FormatOGM  = drain.FormatOGM
	FormatJPEG = drain.FormatJPEG
	FormatMOV  = drain.FormatMOV
)

// Params holds the subset of SessionConfig a Recorder needs to name and
// size its output.
type Params struct {
	Format             Format
	PathPrefix         string
	MaxFrames          int64
	FramesPerChunk     int
	SegmentDurationS   float64
	SegmentLengthBytes int64
	Timescale          int64
	FrameDuration      int64

	// RawdevPath switches the Recorder into continuous raw-device mode,
	// regardless of Format (config.Validate only allows this alongside
	// format=jpeg): frames are sector/element-aligned and written to a
	// wrap-around block-device ring instead of individual files.
	RawdevPath    string
	LBAStart      int64
	LBAEnd        int64
	StateFilePath string
	ExifEnabled   bool
}

// Recorder implements drain.Sink for one active format. Exactly one format
// is ever open at a time; Close tears down only that format's resources,
// never a shared "free everything" path.
type Recorder struct {
	params Params
	logger *slog.Logger

	segmentIndex int
	framesInSeg  int64
	bytesInSeg   int64

	width, height uint32

	jpeg *jpegSink
	ogm  *ogmSink
	mov  *movSink
	raw  *rawDeviceSink
}

// NewRecorder builds a Recorder for the given format. The first segment is
// not opened until Open is called.
func NewRecorder(p Params, logger *slog.Logger) *Recorder {
	return &Recorder{params: p, logger: logger}
}

// SetDimensions records the frame width/height the active session's ports
// are producing, so OGM and MOV segments (which must declare dimensions in
// their container header) pick them up on the next Open. Call this once
// drain.Machine.Start has resynced and reports a baseline via
// drain.Machine.Dimensions.
func (r *Recorder) SetDimensions(width, height uint32) {
	r.width, r.height = width, height
}

// Open starts a new output segment, closing any previously open one. In
// raw-device mode there is no segment concept (one continuous ring), so
// Open only does its real work once; subsequent calls are no-ops.
func (r *Recorder) Open() error {
	if r.params.RawdevPath != "" {
		return r.openRaw()
	}

	if err := r.closeActive(); err != nil {
		return err
	}
	r.framesInSeg = 0
	r.bytesInSeg = 0

	r.segmentIndex++
	path := r.segmentPath()
	switch r.params.Format {
	case FormatJPEG:
		if err := os.MkdirAll(path, 0750); err != nil {
			return fmt.Errorf("session: mkdir jpeg dir: %w", err)
		}
		r.jpeg = &jpegSink{dir: path}
	case FormatOGM:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
		if err != nil {
			return fmt.Errorf("session: create ogm file: %w", err)
		}
		mux, err := ogm.NewMuxer(f, ogm.Config{
			SerialNo:    uint32(time.Now().UnixNano()),
			Width:       r.width,
			Height:      r.height,
			Timescale:   r.params.Timescale,
			FramePeriod: r.params.FrameDuration,
		})
		if err != nil {
			f.Close()
			return fmt.Errorf("session: new ogm muxer: %w", err)
		}
		r.ogm = &ogmSink{f: f, mux: mux}
	case FormatMOV:
		r.mov = &movSink{
			path:           path,
			framesPerChunk: r.params.FramesPerChunk,
			timescale:      r.params.Timescale,
			frameDuration:  r.params.FrameDuration,
			width:          r.width,
			height:         r.height,
		}
	case FormatNone:
		// no sink; WriteFrame becomes a no-op drain
	}
	return nil
}

// segmentPath derives the output path for the current segment from the
// configured prefix, matching the teacher's indexed-output-file naming
// idiom used for rotated log files. PathPrefix may carry strftime-style
// directives (e.g. "/mnt/rec/%Y/%m/%d/cam") so a single config value can
// fan recordings out into per-day/per-hour directories; the zero-padded
// segment index is always appended after expansion.
func (r *Recorder) segmentPath() string {
	ext := map[Format]string{FormatJPEG: "", FormatOGM: ".ogm", FormatMOV: ".mov"}[r.params.Format]
	base := fmt.Sprintf("%s%010d%s", r.expandPathPrefix(time.Now()), r.segmentIndex, ext)
	return filepath.Clean(base)
}

// expandPathPrefix resolves any strftime directives in PathPrefix against
// ts. A prefix with no '%' is returned unchanged, and a malformed pattern
// falls back to the literal prefix rather than failing the recording.
func (r *Recorder) expandPathPrefix(ts time.Time) string {
	if !strings.Contains(r.params.PathPrefix, "%") {
		return r.params.PathPrefix
	}
	f, err := strftime.New(r.params.PathPrefix)
	if err != nil {
		r.logger.Warn("invalid path_prefix strftime pattern, using literally", "path_prefix", r.params.PathPrefix, "err", err)
		return r.params.PathPrefix
	}
	return f.FormatString(ts)
}

// WriteFrame implements drain.Sink. It returns drain.FrameNextFile once a
// configured segment boundary (frame count, byte count, or MaxFrames for
// MOV) has been crossed, signalling the caller to rotate.
func (r *Recorder) WriteFrame(pkt *frame.Packet, port int, ts frame.Timestamp) drain.Code {
	if r.raw != nil {
		return r.raw.write(pkt, r.params.ExifEnabled)
	}

	switch r.params.Format {
	case FormatJPEG:
		if r.jpeg == nil {
			return drain.FrameFileErr
		}
		if err := r.jpeg.write(pkt, ts); err != nil {
			r.logger.Error("jpeg write failed", "err", err)
			return drain.FrameFileErr
		}
	case FormatOGM:
		if r.ogm == nil {
			return drain.FrameFileErr
		}
		if err := r.ogm.mux.WriteFrame(pkt.Slices()); err != nil {
			r.logger.Error("ogm write failed", "err", err)
			return drain.FrameFileErr
		}
	case FormatMOV:
		if r.mov == nil {
			return drain.FrameFileErr
		}
		r.mov.addFrame(pkt, false)
	}

	r.framesInSeg++
	r.bytesInSeg += int64(pkt.Len())

	if r.params.SegmentLengthBytes > 0 && r.bytesInSeg >= r.params.SegmentLengthBytes {
		return drain.FrameNextFile
	}
	if r.params.Format == FormatMOV && r.params.MaxFrames > 0 && r.framesInSeg >= r.params.MaxFrames {
		return drain.FrameNextFile
	}
	return drain.Ok
}

// Close finalizes and releases whatever sink is currently open.
func (r *Recorder) Close() error {
	return r.closeActive()
}

func (r *Recorder) closeActive() error {
	switch {
	case r.raw != nil:
		err := r.raw.close()
		r.raw = nil
		return err
	case r.jpeg != nil:
		r.jpeg = nil
	case r.ogm != nil:
		err := r.ogm.mux.Close()
		cerr := r.ogm.f.Close()
		r.ogm = nil
		if err != nil {
			return err
		}
		return cerr
	case r.mov != nil:
		err := r.mov.finalize()
		r.mov = nil
		return err
	}
	return nil
}

// jpegSink writes each kept frame as its own numbered file in dir.
type jpegSink struct {
	dir   string
	count int
}

func (s *jpegSink) write(pkt *frame.Packet, ts frame.Timestamp) error {
	name := fmt.Sprintf("%s/%010d_%06d.jpeg", s.dir, ts.Sec, ts.Usec)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, sl := range pkt.Slices() {
		if _, err := f.Write(sl); err != nil {
			return err
		}
	}
	s.count++
	return nil
}

type ogmSink struct {
	f   *os.File
	mux *ogm.Muxer
}

// movSink buffers payload bytes and per-frame lengths during a segment; the
// final moov/mdat header can only be computed once the frame count and
// chunking are known, so the header is written after all frame data has
// been collected rather than reserved up front.
type movSink struct {
	path           string
	framesPerChunk int
	timescale      int64
	frameDuration  int64

	width, height uint32

	buf          []byte
	frameLengths []uint32
}

func (s *movSink) addFrame(pkt *frame.Packet, audio bool) {
	start := len(s.buf)
	for _, sl := range pkt.Slices() {
		s.buf = append(s.buf, sl...)
	}
	n := uint32(len(s.buf) - start)
	if audio {
		n |= 1 << 31
	}
	s.frameLengths = append(s.frameLengths, n)
}

func (s *movSink) finalize() error {
	ctx := &mov.Ctx{
		Width:          s.width,
		Height:         s.height,
		NFrames:        len(s.frameLengths),
		Timescale:      s.timescale,
		FrameDuration:  s.frameDuration,
		FramesPerChunk: s.framesPerChunk,
		FrameLengths:   s.frameLengths,
		DataStart:      0,
		NowUnix:        time.Now().Unix(),
	}

	tmpl, err := mov.Parse(mov.DefaultTemplate)
	if err != nil {
		return fmt.Errorf("session: parse mov template: %w", err)
	}
	header, err := mov.Plan(tmpl, ctx)
	if err != nil {
		return fmt.Errorf("session: plan mov header: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("session: create mov file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(header); err != nil {
		return err
	}
	_, err = f.Write(s.buf)
	return err
}

// openRaw opens the raw-device writer, ring descriptor, and alignment
// scratch state on first use. A later format= change cannot reopen a raw
// session mid-recording (the daemon must stop/start for that), so this is
// a true once-only path, not per-segment.
func (r *Recorder) openRaw() error {
	if r.raw != nil {
		return nil
	}
	writer, err := rawdev.NewWriter(r.params.RawdevPath, r.logger)
	if err != nil {
		return fmt.Errorf("session: open raw device: %w", err)
	}
	ring, err := rawdev.NewRing(r.params.RawdevPath, r.params.LBAStart, r.params.LBAEnd)
	if err != nil {
		writer.Close()
		return fmt.Errorf("session: new raw ring: %w", err)
	}
	if r.params.StateFilePath != "" {
		ring.LBACurrent = rawdev.ResumeLBACurrent(r.params.StateFilePath, r.params.RawdevPath, r.params.LBAStart, r.params.LBAEnd)
	}
	writerCtx, cancel := context.WithCancel(context.Background())
	r.raw = &rawDeviceSink{
		writer:     writer,
		ring:       ring,
		aligner:    rawdev.NewAligner(),
		statePath:  r.params.StateFilePath,
		stopWriter: cancel,
	}
	go func() {
		if err := writer.Run(writerCtx); err != nil && writerCtx.Err() == nil {
			r.logger.Error("raw device writer exited", "err", err)
		}
	}()
	return nil
}

// rawDeviceSink commits aligned frames to the continuous block-device
// ring via the writer thread, advancing the ring's write head by one
// sector count per committed iovec.
type rawDeviceSink struct {
	writer     *rawdev.Writer
	ring       *rawdev.Ring
	aligner    *rawdev.Aligner
	statePath  string
	stopWriter context.CancelFunc
}

// write splits the assembled packet back into the leader/exif/header/
// payload/trailer components rawdev.Aligner expects, following
// frame.Assemble's fixed emission order for SinkRaw: when exifEnabled the
// first three slices are (SOI, exif blob, header remainder); otherwise
// the first slice is the whole header. Whatever slices remain, minus the
// final EOI trailer, are the payload (one fragment, or two across a ring
// wrap).
func (s *rawDeviceSink) write(pkt *frame.Packet, exifEnabled bool) drain.Code {
	slices := pkt.Slices()
	if len(slices) == 0 {
		return drain.FrameInvalid
	}

	var leader, exif, header []byte
	rest := slices
	if exifEnabled && len(slices) >= 3 {
		leader, exif, header = slices[0], slices[1], slices[2]
		rest = slices[3:]
	} else {
		header = slices[0]
		rest = slices[1:]
	}
	if len(rest) == 0 {
		return drain.FrameInvalid
	}
	trailer := rest[len(rest)-1]
	payload := rest[:len(rest)-1]
	var data0, data1 []byte
	switch len(payload) {
	case 0:
	case 1:
		data0 = payload[0]
	default:
		data0, data1 = payload[0], payload[1]
	}

	iov, ready := s.aligner.Align(leader, exif, header, data0, data1, trailer)
	if !ready {
		return drain.Ok
	}
	if err := s.writer.Submit(context.Background(), iov); err != nil {
		return drain.NoSpace
	}
	s.aligner.Reset()

	n := 0
	for _, b := range iov {
		n += len(b)
	}
	s.ring.Advance(int64(n) / rawdev.SectorSize)
	return drain.Ok
}

func (s *rawDeviceSink) close() error {
	if tail := s.aligner.FinalFlush(); tail != nil {
		if err := s.writer.Submit(context.Background(), tail); err != nil {
			s.stopWriter()
			s.writer.Close()
			return err
		}
		s.ring.Advance(int64(len(tail[0])) / rawdev.SectorSize)
	}
	var saveErr error
	if s.statePath != "" {
		rec := rawdev.StateRecord{Device: s.ring.Device, Start: s.ring.LBAStart, Current: s.ring.LBACurrent, End: s.ring.LBAEnd}
		saveErr = rawdev.SaveState(s.statePath, rec)
	}
	s.stopWriter()
	if err := s.writer.Close(); err != nil {
		return err
	}
	return saveErr
}

// Runner drives a drain.Machine's Tick loop and reacts to segment-rotation
// and error codes by opening/closing Recorder segments.
type Runner struct {
	machine  *drain.Machine
	recorder *Recorder
	logger   *slog.Logger
}

// NewRunner pairs a drain state machine with the Recorder it feeds.
func NewRunner(m *drain.Machine, r *Recorder, logger *slog.Logger) *Runner {
	return &Runner{machine: m, recorder: r, logger: logger}
}

// Run opens the first segment and ticks the machine until ctx is done or
// Stop is requested via a FrameBroken/FrameFileErr condition, rotating
// segments whenever the sink reports FrameNextFile or FrameChanged.
func (rn *Runner) Run(ctx context.Context) error {
	if err := rn.recorder.Open(); err != nil {
		return err
	}
	defer rn.recorder.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		code := rn.machine.Tick(ctx)
		switch code {
		case drain.Ok, drain.FrameNotReady, drain.TooEarly:
			// keep ticking
		case drain.FrameNextFile, drain.FrameChanged:
			if err := rn.recorder.Open(); err != nil {
				rn.logger.Error("segment rotation failed", "err", err)
				return err
			}
		case drain.FrameBroken, drain.FrameFileErr, drain.NoSpace:
			rn.logger.Error("drain tick failed", "code", code.String())
			return fmt.Errorf("session: tick failed: %s", code)
		}
	}
}
