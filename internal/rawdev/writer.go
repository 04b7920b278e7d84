package rawdev

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// writeRequest is the single-slot hand-off payload from the main thread to
// the writer goroutine, replacing the condition-variable pair described in
// the design notes with a channel carrying a result channel — the main
// thread blocks on the oneshot before enqueuing the next frame, which is
// the same back-pressure the original data_ready/last_ret_val pair gave.
type writeRequest struct {
	iov    [][]byte
	result chan error
}

// Writer owns the block-device file descriptor and is the sole consumer
// of write requests; a raw-device session starts it when it opens the
// device and stops it when the session is closed.
type Writer struct {
	fd     int
	path   string
	logger *slog.Logger

	requests chan writeRequest
}

// NewWriter opens the raw device for direct writes and returns a Writer
// ready to be driven by Run.
func NewWriter(path string, logger *slog.Logger) (*Writer, error) {
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("rawdev: open %s: %w", path, err)
	}
	return &Writer{fd: fd, path: path, logger: logger, requests: make(chan writeRequest)}, nil
}

// Close releases the device file descriptor.
func (w *Writer) Close() error {
	return unix.Close(w.fd)
}

// Run is the writer goroutine's main loop: it blocks on the single-slot
// request channel, issues one writev per frame outside of any lock, and
// reports the result back through the request's oneshot channel. It
// returns when ctx is done, which the main thread also observes from its
// own submissions so no frame is left hanging.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-w.requests:
			_, err := writevAt(w.fd, req.iov)
			if err != nil {
				w.logger.Error("rawdev writer: writev failed", "path", w.path, "error", err)
			}
			req.result <- err
		}
	}
}

// Submit hands one frame's iovec list to the writer and blocks until it
// has been written (or ctx is cancelled). Writes reach the device in
// exactly the order Submit calls are made, since the writer drains one
// request at a time from an unbuffered channel.
func (w *Writer) Submit(ctx context.Context, iov [][]byte) error {
	req := writeRequest{iov: iov, result: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writevAt(fd int, iov [][]byte) (uintptr, error) {
	return unix.Writev(fd, iov)
}
