// SPDX-License-Identifier: MIT

// Package health exposes the daemon's status surface: current state, the
// last error code, per-port buffer statistics, and (when a raw device sink
// is active) LBA/overrun/percent-done figures. It serves both a plain-text
// rendering and an XML rendering, matching the two status formats the
// original command-pipe "status" verb supports, and a read-and-reset
// semantics for the counters the original clears once reported.
package health

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// PortStatus is one capture port's current health snapshot.
type PortStatus struct {
	Port          int    `xml:"port,attr"`
	BufOverruns   int    `xml:"buf_overruns"`
	BufMin        int64  `xml:"buf_min"`
	FramePeriodUs int64  `xml:"frame_period_us"`
	Width         uint32 `xml:"width"`
	Height        uint32 `xml:"height"`
}

// RawDeviceStatus describes the raw block-device sink's progress, when one
// is active.
type RawDeviceStatus struct {
	Overruns     int    `xml:"overruns"`
	CurrentLBA   int64  `xml:"current_lba"`
	PercentDone  int    `xml:"percent_done"`
}

// Status is the full point-in-time status snapshot.
type Status struct {
	XMLName       xml.Name          `xml:"camogm_status" json:"-"`
	State         string            `xml:"state" json:"state"`
	LastErrorCode string            `xml:"last_error_code,omitempty" json:"last_error_code,omitempty"`
	Ports         []PortStatus      `xml:"port"`
	RawDevice     *RawDeviceStatus  `xml:"raw_device,omitempty"`
	Timestamp     time.Time         `xml:"-" json:"-"`
}

// Provider supplies the live status snapshot and resets any read-and-reset
// counters (buf_overruns, raw device overruns) once the snapshot has been
// taken, matching the original status command's clear-on-read behaviour.
type Provider interface {
	Status() Status
	ResetCounters()
}

// Handler serves the daemon's status surface as plain text or XML.
type Handler struct {
	provider Provider
}

// NewHandler builds a status Handler over the given Provider.
func NewHandler(provider Provider) *Handler {
	return &Handler{provider: provider}
}

// ServeHTTP routes "/status" (plain text, default) and "/status.xml" (XML).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var st Status
	if h.provider != nil {
		st = h.provider.Status()
		h.provider.ResetCounters()
	}
	st.Timestamp = time.Now()

	if strings.HasSuffix(r.URL.Path, ".xml") {
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		enc := xml.NewEncoder(w)
		enc.Indent("", "  ")
		_ = enc.Encode(st)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(RenderPlain(st)))
}

// RenderPlain renders a Status as the line-oriented plain-text form the
// command pipe's "status" verb returns.
func RenderPlain(st Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "state=%s\n", st.State)
	if st.LastErrorCode != "" {
		fmt.Fprintf(&sb, "last_error_code=%s\n", st.LastErrorCode)
	}
	for _, p := range st.Ports {
		fmt.Fprintf(&sb, "port%d.buf_overruns=%d\n", p.Port, p.BufOverruns)
		fmt.Fprintf(&sb, "port%d.buf_min=%d\n", p.Port, p.BufMin)
		fmt.Fprintf(&sb, "port%d.frame_period_us=%d\n", p.Port, p.FramePeriodUs)
		fmt.Fprintf(&sb, "port%d.width=%d\n", p.Port, p.Width)
		fmt.Fprintf(&sb, "port%d.height=%d\n", p.Port, p.Height)
	}
	if st.RawDevice != nil {
		fmt.Fprintf(&sb, "raw_device.overruns=%d\n", st.RawDevice.Overruns)
		fmt.Fprintf(&sb, "raw_device.current_lba=%d\n", st.RawDevice.CurrentLBA)
		fmt.Fprintf(&sb, "raw_device.percent_done=%d\n", st.RawDevice.PercentDone)
	}
	return sb.String()
}

// Snapshot is a concurrency-safe Provider backed by a plain struct, used by
// the daemon to publish status from the drain/writer goroutines and serve
// it from the health HTTP handler and command pipe without races.
type Snapshot struct {
	mu    sync.Mutex
	state Status
}

// NewSnapshot returns an empty Snapshot ready for Update calls.
func NewSnapshot() *Snapshot { return &Snapshot{} }

// Update replaces the stored status under lock.
func (s *Snapshot) Update(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Status implements Provider.
func (s *Snapshot) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ResetCounters implements Provider, zeroing the read-and-reset counters
// (buf_overruns per port, raw device overruns) and clearing
// last_error_code after a snapshot is taken.
func (s *Snapshot) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastErrorCode = ""
	for i := range s.state.Ports {
		s.state.Ports[i].BufOverruns = 0
	}
	if s.state.RawDevice != nil {
		s.state.RawDevice.Overruns = 0
	}
}

// ListenAndServe starts the status HTTP server, binding synchronously so
// port-in-use errors surface before the caller proceeds, and shuts down
// gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
