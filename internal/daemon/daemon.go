// Package daemon wires the drain state machine, the session recorder, and
// the command-pipe protocol into the single stateful object that answers
// every command-pipe verb: start/stop/reset/exit, port enable/disable, the
// per-session option assignments, and status. It is the "main" thread of
// the three-thread scheduling model: it owns prog_state, reads commands,
// and hands frames to the active session.Recorder; the raw-device writer
// is a goroutine that a raw-device session.Recorder starts for itself, and
// the reader service runs as a separate supervisor.Service.
package daemon

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elphel/camogm-go/internal/cmdproto"
	"github.com/elphel/camogm-go/internal/config"
	"github.com/elphel/camogm-go/internal/drain"
	"github.com/elphel/camogm-go/internal/health"
	"github.com/elphel/camogm-go/internal/session"
	"github.com/elphel/camogm-go/internal/util"
)

// Daemon implements cmdproto.Handler and health.Provider over a drain
// state machine and the session it feeds. Exactly one session.Recorder is
// open at a time, matching the "camogm_free only frees the active format"
// invariant the Recorder itself enforces.
type Daemon struct {
	logger  *slog.Logger
	machine *drain.Machine

	ports [config.NumPorts]config.PortConfig

	mu          sync.Mutex
	defaults    config.SessionConfig
	pending     config.SessionConfig
	activePorts uint8
	recorder    *session.Recorder
	runDone     chan struct{}
	runCancel   context.CancelFunc
	lastCode    drain.Code

	snapshot *health.Snapshot

	exitRequested chan struct{}
	exitOnce      sync.Once

	readerCancel context.CancelFunc // set by the reader service, used by ReaderStop
	readerMu     sync.Mutex
}

// New builds a Daemon over an already-constructed drain.Machine and the
// session defaults taken from configuration. ports carries the raw-device
// ring geometry (lba_start/lba_end/state_file_path) consulted whenever a
// session sets rawdev_path, since that geometry lives alongside each
// port's capture-device paths rather than in the session defaults.
func New(machine *drain.Machine, defaults config.SessionConfig, ports [config.NumPorts]config.PortConfig, logger *slog.Logger) *Daemon {
	return &Daemon{
		logger:        logger,
		machine:       machine,
		defaults:      defaults,
		pending:       defaults,
		ports:         ports,
		activePorts:   0x0F,
		snapshot:      health.NewSnapshot(),
		exitRequested: make(chan struct{}),
	}
}

// Snapshot returns the health.Provider the status HTTP surface and the
// command pipe's status/xstatus verbs both read from.
func (d *Daemon) Snapshot() *health.Snapshot { return d.snapshot }

// Done returns a channel closed once Exit() has been dispatched, for the
// top-level supervisor to shut the whole process down on.
func (d *Daemon) Done() <-chan struct{} { return d.exitRequested }

// SetReaderCancel registers the reader service's stop function, so the
// command pipe's reader_stop verb (spec's "reader.thread_state = Cancel")
// can reach across to a sibling supervisor.Service without the two
// services importing each other.
func (d *Daemon) SetReaderCancel(cancel context.CancelFunc) {
	d.readerMu.Lock()
	d.readerCancel = cancel
	d.readerMu.Unlock()
}

// --- cmdproto.Handler ---

// Start builds a session from the accumulated option set and begins
// ticking the drain machine in a background goroutine, per the start()
// contract: resync every enabled port, open the first segment, then run
// until Stop, a fatal drain.Code, or the daemon exits.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runCancel != nil {
		return fmt.Errorf("daemon: session already running")
	}

	maxFrames := int64(0)
	if d.pending.Format == "mov" {
		maxFrames = int64(d.pending.MaxFrames)
	}
	cfg := drain.Config{
		ActivePorts:        d.activePorts,
		Greedy:             d.pending.Greedy,
		IgnoreFPS:          d.pending.IgnoreFPS,
		ExifEnabled:        d.pending.Exif,
		FramesSkip:         int64(d.pending.FramesSkip),
		StartAfterTS:       d.pending.StartAfterTS,
		SegmentDurationS:   float64(d.pending.SegmentDurationS),
		SegmentLengthBytes: d.pending.SegmentLengthBytes,
		MaxFrames:          maxFrames,
	}
	if code := d.machine.Start(cfg); code != drain.Ok {
		d.lastCode = code
		d.snapshot.Update(health.Status{State: "Stopped", LastErrorCode: code.String()})
		return fmt.Errorf("daemon: drain start failed: %s", code)
	}

	params := session.Params{
		Format:             session.Format(formatFromString(d.pending.Format)),
		PathPrefix:         d.pending.PathPrefix,
		MaxFrames:          int64(d.pending.MaxFrames),
		FramesPerChunk:     d.pending.FramesPerChunk,
		SegmentDurationS:   float64(d.pending.SegmentDurationS),
		SegmentLengthBytes: d.pending.SegmentLengthBytes,
		Timescale:          int64(d.pending.Timescale),
		FrameDuration:      frameDurationFromTimescale(d.pending.Timescale),
		RawdevPath:         d.pending.RawdevPath,
		ExifEnabled:        d.pending.Exif,
	}
	if params.RawdevPath != "" {
		if pc, ok := d.rawGeometry(); ok {
			params.LBAStart = pc.LBAStart
			params.LBAEnd = pc.LBAEnd
			params.StateFilePath = pc.StateFilePath
		}
	}
	rec := session.NewRecorder(params, d.logger)
	if w, h, ok := d.machine.Dimensions(); ok {
		rec.SetDimensions(w, h)
	}
	d.recorder = rec
	d.machine.SetSink(rec)

	runner := session.NewRunner(d.machine, rec, d.logger)
	ctx, cancel := context.WithCancel(context.Background())
	d.runCancel = cancel
	d.runDone = make(chan struct{})

	done := d.runDone
	util.SafeGo("session-runner", sLogWriter{d.logger}, func() {
		if err := runner.Run(ctx); err != nil {
			d.logger.Error("session runner stopped", "err", err)
		}
		close(done)
	}, nil)

	d.snapshot.Update(health.Status{State: "Running"})
	return nil
}

// Stop cancels the running session and waits for the runner goroutine to
// finish closing the active sink, per camogm_free's "stop before free"
// contract.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	cancel := d.runCancel
	done := d.runDone
	d.runCancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	d.machine.Stop()
	d.snapshot.Update(health.Status{State: "Stopped"})
	return nil
}

// Reset stops any running session and restores option state to the
// configured defaults, discarding anything set via SetOption.
func (d *Daemon) Reset() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	d.pending = d.defaults
	d.activePorts = 0x0F
	d.mu.Unlock()
	return nil
}

// Exit stops the session and signals the top-level process to shut down;
// Done() unblocks exactly once.
func (d *Daemon) Exit() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.exitOnce.Do(func() { close(d.exitRequested) })
	return nil
}

// PortEnable sets port's bit in the active-port mask, effective on the
// next Start.
func (d *Daemon) PortEnable(port int) error {
	if port < 0 || port > 3 {
		return fmt.Errorf("daemon: port %d out of range", port)
	}
	d.mu.Lock()
	d.activePorts |= 1 << uint(port)
	d.mu.Unlock()
	return nil
}

// PortDisable clears port's bit in the active-port mask.
func (d *Daemon) PortDisable(port int) error {
	if port < 0 || port > 3 {
		return fmt.Errorf("daemon: port %d out of range", port)
	}
	d.mu.Lock()
	d.activePorts &^= 1 << uint(port)
	d.mu.Unlock()
	return nil
}

// ReaderStop forwards to the reader service's cancel function, matching
// spec's "reader.thread_state = Cancel" cooperative stop.
func (d *Daemon) ReaderStop() error {
	d.readerMu.Lock()
	cancel := d.readerCancel
	d.readerMu.Unlock()
	if cancel == nil {
		return fmt.Errorf("daemon: no reader service registered")
	}
	cancel()
	return nil
}

// Status renders the current health snapshot as plain text or XML,
// matching the command pipe's "status[=path]"/"xstatus[=path]" verbs: an
// empty path logs the rendering, a non-empty one writes it to that file.
func (d *Daemon) Status(path string, xmlOut bool) error {
	st := d.snapshot.Status()

	var rendered []byte
	if xmlOut {
		out, err := xml.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("daemon: render status xml: %w", err)
		}
		rendered = out
	} else {
		rendered = []byte(health.RenderPlain(st))
	}

	if path == "" {
		d.logger.Info("status", "body", string(rendered))
		return nil
	}
	return os.WriteFile(path, rendered, 0o644)
}

// SetOption applies one "key=value" command-pipe assignment to the
// pending session configuration. Unknown keys are rejected rather than
// silently ignored, since a typo in a command-pipe script should be
// visible.
func (d *Daemon) SetOption(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch key {
	case "format":
		switch value {
		case "none", "jpeg", "ogm", "mov":
			d.pending.Format = value
		default:
			return fmt.Errorf("daemon: unknown format %q", value)
		}
	case "prefix":
		d.pending.PathPrefix = value
	case "rawdev_path":
		d.pending.RawdevPath = value
	case "duration":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("daemon: duration: %w", err)
		}
		d.pending.SegmentDurationS = n
	case "length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("daemon: length: %w", err)
		}
		d.pending.SegmentLengthBytes = n
	case "max_frames":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("daemon: max_frames: %w", err)
		}
		d.pending.MaxFrames = n
	case "frames_per_chunk":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("daemon: frames_per_chunk: %w", err)
		}
		d.pending.FramesPerChunk = n
	case "exif":
		d.pending.Exif = value == "1"
	case "greedy":
		d.pending.Greedy = value == "1"
	case "ignore_fps":
		d.pending.IgnoreFPS = value == "1"
	case "timescale":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("daemon: timescale: %w", err)
		}
		d.pending.Timescale = f
	case "frameskip":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("daemon: frameskip: %w", err)
		}
		d.pending.FramesSkip = n
	case "timelapse":
		// timelapse is an alias for a negative frameskip (wall-clock pacing).
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("daemon: timelapse: %w", err)
		}
		d.pending.FramesSkip = -n
	case "start_after_timestamp":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("daemon: start_after_timestamp: %w", err)
		}
		d.pending.StartAfterTS = f
	default:
		return fmt.Errorf("daemon: unknown option %q", key)
	}
	return nil
}

// Run implements supervisor.Service for the command-pipe reader: it owns
// no file descriptor itself (the caller supplies the io.Reader, typically
// a re-opened FIFO) and simply blocks inside cmdproto.Run until ctx ends.
// Kept here rather than in a dedicated file since it is a thin adapter
// over the Handler methods above.
func (d *Daemon) Run(ctx context.Context, open func() (io.ReadCloser, error)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		r, err := open()
		if err != nil {
			d.logger.Error("command pipe open failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}
		err = cmdproto.Run(r, d, func(cmd string, cmdErr error) {
			d.logger.Warn("command failed", "cmd", cmd, "err", cmdErr)
		})
		r.Close()
		if err != nil {
			d.logger.Error("command pipe read failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// rawGeometry returns the first port config carrying a non-empty raw-device
// ring range, the geometry a rawdev_path session resumes into.
func (d *Daemon) rawGeometry() (config.PortConfig, bool) {
	for _, pc := range d.ports {
		if pc.LBAEnd > pc.LBAStart {
			return pc, true
		}
	}
	return config.PortConfig{}, false
}

func formatFromString(s string) drain.Format {
	switch s {
	case "jpeg":
		return drain.FormatJPEG
	case "ogm":
		return drain.FormatOGM
	case "mov":
		return drain.FormatMOV
	default:
		return drain.FormatNone
	}
}

// frameDurationFromTimescale derives a nominal per-frame duration in
// Timescale units assuming the configured timescale already represents
// the stream's frames-per-second*Timescale relationship one-to-one; a
// future per-port fps estimate could refine this, but OGM/MOV only need a
// reasonable default for their fixed-rate duration tables.
func frameDurationFromTimescale(timescale float64) int64 {
	if timescale <= 0 {
		return 1
	}
	return int64(timescale)
}

// sLogWriter adapts *slog.Logger to io.Writer for util.SafeGo's panic
// logger parameter.
type sLogWriter struct{ logger *slog.Logger }

func (w sLogWriter) Write(p []byte) (int, error) {
	w.logger.Error(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
