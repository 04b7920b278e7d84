// Package readersvc implements the secondary raw-device reader: a TCP
// service that scans a recorded raw-device ring for JPEG files, maintains
// the dense/sparse time index described in package index, and serves
// whole-file or byte-range reads back to a client one command per line.
package readersvc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elphel/camogm-go/internal/index"
)

// scanChunkSize is the read granularity used while building the dense
// index by full scan, per the scan protocol's 4096-byte chunking.
const scanChunkSize = 4096

// searchWindowSize and searchPageAlign match FindByTime's 4MiB / 4KiB
// window contract.
const (
	searchWindowSize = 4 << 20
	searchPageAlign  = 4 << 10
)

// Service is the reader thread: it owns a re-opened handle onto the raw
// device (the writer thread holds the other one) and a TCP listener, and
// mutates the index directories under dirMu.
type Service struct {
	device   string
	lbaStart int64
	lbaEnd   int64
	addr     string
	logger   *slog.Logger

	dirMu sync.RWMutex
	dir   *index.Directory

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService builds a reader over one raw-device ring.
func NewService(device string, lbaStart, lbaEnd int64, addr string, logger *slog.Logger) *Service {
	return &Service{
		device:   device,
		lbaStart: lbaStart,
		lbaEnd:   lbaEnd,
		addr:     addr,
		logger:   logger,
		dir:      index.NewDirectory(),
		stopCh:   make(chan struct{}),
	}
}

// Name implements supervisor.Service.
func (s *Service) Name() string { return "reader" }

// RequestStop implements the reader_stop command: the accept loop and
// any in-progress command check this between chunks and iterations,
// matching the cooperative-cancellation contract (no read is aborted
// mid-transfer).
func (s *Service) RequestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run opens the listener and the device, and serves connections until ctx
// is cancelled or RequestStop is called.
func (s *Service) Run(ctx context.Context) error {
	dev, err := os.Open(s.device)
	if err != nil {
		return fmt.Errorf("readersvc: open device: %w", err)
	}
	defer dev.Close()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("readersvc: listen: %w", err)
	}
	defer ln.Close()
	s.logger.Info("reader service listening", "addr", s.addr, "device", s.device)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if s.cancelled(ctx) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			s.handleConn(ctx, dev, conn)
		}()
	}
}

// handleConn reads one command per line ("cmd/?key=value&...") and
// dispatches it, writing the response (text or raw bytes) back on conn.
func (s *Service) handleConn(ctx context.Context, dev *os.File, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<16)
	for scanner.Scan() {
		if s.cancelled(ctx) {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.dispatch(ctx, dev, conn, line); err != nil {
			s.logger.Warn("reader command failed", "cmd", line, "err", err)
			fmt.Fprintf(conn, "error=%s\n", err)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, dev *os.File, conn net.Conn, line string) error {
	cmd, query, _ := strings.Cut(line, "/?")
	args, err := url.ParseQuery(query)
	if err != nil {
		return fmt.Errorf("bad query: %w", err)
	}

	switch cmd {
	case "build_index":
		return s.buildIndex(ctx, dev, conn)
	case "get_index":
		return s.getIndex(conn)
	case "status":
		return s.status(conn)
	case "find_file":
		return s.findFile(dev, conn, args)
	case "next_file":
		return s.neighborFile(conn, args, true)
	case "prev_file":
		return s.neighborFile(conn, args, false)
	case "read_file":
		return s.readFile(dev, conn, args)
	case "read_disk":
		return s.readDisk(dev, conn, args)
	case "read_all_files":
		return s.readAllFiles(ctx, dev, conn)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// buildIndex performs the full scan protocol: 4096-byte chunks from
// lba_start, a {skip, inFile} state machine tracking SOI/EOI, Exif parsed
// at file start, wrapping exactly once at lba_end.
func (s *Service) buildIndex(ctx context.Context, dev *os.File, conn net.Conn) error {
	dir := index.NewDirectory()

	var fileStart int64

	pos := s.lbaStart
	wrapped := false
	prevTail := make([]byte, 0, 1)
	buf := make([]byte, scanChunkSize)

	for {
		if s.cancelled(ctx) {
			return fmt.Errorf("build_index cancelled")
		}
		if pos >= s.lbaEnd {
			if wrapped {
				break
			}
			wrapped = true
			pos = s.lbaStart
		}
		n, err := dev.ReadAt(buf, pos)
		if err != nil && err != io.EOF {
			return fmt.Errorf("build_index: read at %d: %w", pos, err)
		}
		if n == 0 {
			break
		}

		window := append(append([]byte{}, prevTail...), buf[:n]...)
		overlap := len(prevTail)

		scanFrom := 0
		for {
			soi, eoi, found := index.ScanSOIEOI(window, scanFrom)
			if !found {
				break
			}
			absSOI := pos - int64(overlap) + int64(soi)
			// A SOI while a file was already open means the prior node was
			// corrupt; it is simply never appended and this SOI starts the
			// new one.
			fileStart = absSOI

			if eoi == 0 {
				break // EOI not yet in window; wait for next chunk
			}
			absEOI := pos - int64(overlap) + int64(eoi)
			size := absEOI - fileStart + 1

			node := s.buildNode(dev, fileStart, size)
			if node != nil {
				dir.Append(node)
			}
			scanFrom = eoi + 1
		}

		if len(window) >= 1 {
			tailLen := 1
			if tailLen > len(window) {
				tailLen = len(window)
			}
			prevTail = append(prevTail[:0], window[len(window)-tailLen:]...)
		}
		pos += int64(n)
	}

	s.dirMu.Lock()
	s.dir = dir
	s.dirMu.Unlock()

	fmt.Fprintf(conn, "index_count=%d\n", dir.Count())
	return nil
}

func (s *Service) buildNode(dev *os.File, offset, size int64) *index.Node {
	if size <= 0 || size > 8<<20 {
		return nil
	}
	buf := make([]byte, size)
	if _, err := dev.ReadAt(buf, offset); err != nil {
		return nil
	}
	port, rawTime, usec, err := index.ParseExif(buf)
	if err != nil {
		return nil
	}
	return &index.Node{Port: port, Offset: offset, Size: size, RawTime: rawTime, USec: usec}
}

func (s *Service) getIndex(conn net.Conn) error {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	for n := s.dir.Head(); n != nil; n = n.Next() {
		fmt.Fprintf(conn, "offset=%d size=%d port=%d rawtime=%s usec=%d\n",
			n.Offset, n.Size, n.Port, n.RawTime.Format(time.RFC3339), n.USec)
	}
	fmt.Fprintln(conn, "end")
	return nil
}

func (s *Service) status(conn net.Conn) error {
	s.dirMu.RLock()
	count := s.dir.Count()
	s.dirMu.RUnlock()
	fmt.Fprintf(conn, "count=%d\tlba_start=%d\tlba_end=%d\n", count, s.lbaStart, s.lbaEnd)
	return nil
}

// findFile runs the halving search-by-time algorithm, mmap-reading search
// windows via ReadAt in lieu of a real mmap.
func (s *Service) findFile(dev *os.File, conn net.Conn, args url.Values) error {
	raw := args.Get("time")
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fmt.Errorf("find_file: bad time %q: %w", raw, err)
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	node, err := index.FindByTime(s.dir, s.lbaStart, s.lbaEnd, t, func(lo, hi int64) (*index.Node, error) {
		lo = lo &^ (searchPageAlign - 1)
		if hi-lo > searchWindowSize {
			hi = lo + searchWindowSize
		}
		buf := make([]byte, hi-lo)
		n, err := dev.ReadAt(buf, lo)
		if err != nil && err != io.EOF {
			return nil, err
		}
		soi, eoi, found := index.ScanSOIEOI(buf[:n], 0)
		if !found || eoi == 0 {
			return nil, nil
		}
		size := int64(eoi - soi + 1)
		return s.buildNode(dev, lo+int64(soi), size), nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(conn, "offset=%d size=%d port=%d rawtime=%s usec=%d\n",
		node.Offset, node.Size, node.Port, node.RawTime.Format(time.RFC3339), node.USec)
	return nil
}

func (s *Service) neighborFile(conn net.Conn, args url.Values, forward bool) error {
	offset, err := strconv.ParseInt(args.Get("offset"), 10, 64)
	if err != nil {
		return fmt.Errorf("bad offset: %w", err)
	}
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	var cur *index.Node
	for n := s.dir.Head(); n != nil; n = n.Next() {
		if n.Offset == offset {
			cur = n
			break
		}
	}
	if cur == nil {
		return fmt.Errorf("no node at offset %d", offset)
	}
	var next *index.Node
	if forward {
		next = cur.Next()
	} else {
		next = cur.Prev()
	}
	if next == nil {
		return fmt.Errorf("no neighbor")
	}
	fmt.Fprintf(conn, "offset=%d size=%d port=%d rawtime=%s usec=%d\n",
		next.Offset, next.Size, next.Port, next.RawTime.Format(time.RFC3339), next.USec)
	return nil
}

// readFile serves one file in the two regimes from the serving-files
// algorithm: wholly inside the ring, or straddling lba_end.
func (s *Service) readFile(dev *os.File, conn net.Conn, args url.Values) error {
	offset, err := strconv.ParseInt(args.Get("offset"), 10, 64)
	if err != nil {
		return fmt.Errorf("bad offset: %w", err)
	}
	size, err := strconv.ParseInt(args.Get("size"), 10, 64)
	if err != nil {
		return fmt.Errorf("bad size: %w", err)
	}

	if offset+size <= s.lbaEnd {
		return copyRange(dev, conn, offset, size)
	}

	headLen := s.lbaEnd - offset
	tailLen := size - headLen
	buf := make([]byte, size)
	if _, err := dev.ReadAt(buf[:headLen], offset); err != nil && err != io.EOF {
		return err
	}
	if _, err := dev.ReadAt(buf[headLen:], s.lbaStart); err != nil && err != io.EOF {
		return err
	}
	if tailLen > 0 && s.lbaStart+tailLen > s.lbaEnd {
		return fmt.Errorf("read_file: wrapped tail exceeds ring")
	}
	_, err = conn.Write(buf)
	return err
}

func (s *Service) readDisk(dev *os.File, conn net.Conn, args url.Values) error {
	offset, err := strconv.ParseInt(args.Get("offset"), 10, 64)
	if err != nil {
		return fmt.Errorf("bad offset: %w", err)
	}
	length, err := strconv.ParseInt(args.Get("length"), 10, 64)
	if err != nil {
		return fmt.Errorf("bad length: %w", err)
	}
	return copyRange(dev, conn, offset, length)
}

func (s *Service) readAllFiles(ctx context.Context, dev *os.File, conn net.Conn) error {
	s.dirMu.RLock()
	nodes := make([]*index.Node, 0, s.dir.Count())
	for n := s.dir.Head(); n != nil; n = n.Next() {
		nodes = append(nodes, n)
	}
	s.dirMu.RUnlock()

	for _, n := range nodes {
		if s.cancelled(ctx) {
			return fmt.Errorf("read_all_files cancelled")
		}
		if n.Offset+n.Size <= s.lbaEnd {
			if err := copyRange(dev, conn, n.Offset, n.Size); err != nil {
				return err
			}
			continue
		}
		headLen := s.lbaEnd - n.Offset
		if err := copyRange(dev, conn, n.Offset, headLen); err != nil {
			return err
		}
		if err := copyRange(dev, conn, s.lbaStart, n.Size-headLen); err != nil {
			return err
		}
	}
	return nil
}

func copyRange(dev *os.File, w io.Writer, offset, length int64) error {
	buf := make([]byte, 64<<10)
	remaining := length
	pos := offset
	for remaining > 0 {
		chunk := int64(len(buf))
		if chunk > remaining {
			chunk = remaining
		}
		n, err := dev.ReadAt(buf[:chunk], pos)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil && err != io.EOF {
			return err
		}
		pos += int64(n)
		remaining -= int64(n)
		if n == 0 {
			break
		}
	}
	return nil
}
