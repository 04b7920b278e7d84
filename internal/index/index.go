// Package index builds and searches the in-memory time-sorted directory of
// JPEG files recorded onto the raw block device, scanning for SOI/EOI
// markers and parsing the Exif block each file carries at its start.
package index

import (
	"fmt"
	"time"
)

// Node is one directory entry: a JPEG file's location and timestamp.
type Node struct {
	Port      int
	Offset    int64 // byte offset of SOI within the ring
	Size      int64 // f_size = offset_eoi - offset_soi + 1
	RawTime   time.Time
	USec      int

	prev, next *Node // dense, capture-order list
	sPrev, sNext *Node // sparse search-anchor list, in append order
}

// Next returns the next node in capture order, or nil at the tail.
func (n *Node) Next() *Node { return n.next }

// Prev returns the previous node in capture order, or nil at the head.
func (n *Node) Prev() *Node { return n.prev }

// Directory holds the dense (every scanned file) and sparse (time-search
// accelerator) doubly linked lists described by the search-by-time
// algorithm.
type Directory struct {
	denseHead, denseTail   *Node
	sparseHead, sparseTail *Node
	count                  int
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory { return &Directory{} }

// Count returns the number of dense nodes.
func (d *Directory) Count() int { return d.count }

// Append adds n to the end of the dense list in scan order, and also links
// it into the sparse list (every scanned node becomes a sparse search
// anchor; real deployments would sample more sparsely once the directory
// grows large, but a single straightforward list keeps this searchable
// without a separate eviction policy).
func (d *Directory) Append(n *Node) {
	n.prev = d.denseTail
	if d.denseTail != nil {
		d.denseTail.next = n
	} else {
		d.denseHead = n
	}
	d.denseTail = n

	n.sPrev = d.sparseTail
	if d.sparseTail != nil {
		d.sparseTail.sNext = n
	} else {
		d.sparseHead = n
	}
	d.sparseTail = n

	d.count++
}

// Head returns the first dense node, or nil if the directory is empty.
func (d *Directory) Head() *Node { return d.denseHead }

// Tail returns the last dense node, or nil if the directory is empty.
func (d *Directory) Tail() *Node { return d.denseTail }

// nearestSparse returns the sparse node whose RawTime is closest to t,
// walking the whole sparse list from its head.
func (d *Directory) nearestSparse(t time.Time) *Node {
	if d.sparseHead == nil {
		return nil
	}
	best := d.sparseHead
	bestDelta := absDuration(t.Sub(best.RawTime))
	for n := d.sparseHead; n != nil; n = n.sNext {
		delta := absDuration(t.Sub(n.RawTime))
		if delta < bestDelta {
			best, bestDelta = n, delta
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// acceptWindow is the ±600s tolerance search-by-time accepts as a match.
const acceptWindow = 600 * time.Second

// FindByTime implements the halving search over [lbaStart, lbaEnd): it
// narrows the candidate byte range using the nearest sparse anchor, then
// repeatedly asks scanWindow to inspect a 4MiB, 4KiB-aligned window at the
// range midpoint until a node within acceptWindow of target is found or the
// range collapses.
//
// scanWindow inspects the ring in [lo, lo+windowSize) and returns the first
// fully-parsed Node it finds (SOI located, Exif parsed, EOI fixed), or nil
// if the window contains no JPEG.
func FindByTime(d *Directory, lbaStart, lbaEnd int64, target time.Time, scanWindow func(lo, hi int64) (*Node, error)) (*Node, error) {
	lo, hi := lbaStart, lbaEnd
	if anchor := d.nearestSparse(target); anchor != nil {
		if target.Before(anchor.RawTime) {
			if anchor.sPrev != nil {
				lo = anchor.sPrev.Offset
			}
			hi = anchor.Offset
		} else {
			lo = anchor.Offset
			if anchor.sNext != nil {
				hi = anchor.sNext.Offset
			}
		}
	}

	const windowSize = 4 << 20
	const pageAlign = 4 << 10

	for iterations := 0; lo < hi && iterations < 64; iterations++ {
		mid := lo + (hi-lo)/2
		winStart := alignDown(mid-windowSize/2, pageAlign)
		if winStart < lo {
			winStart = lo
		}
		winEnd := winStart + windowSize
		if winEnd > hi {
			winEnd = hi
		}

		node, err := scanWindow(winStart, winEnd)
		if err != nil {
			return nil, err
		}
		if node == nil {
			hi = winStart
			continue
		}

		d.Append(node)
		delta := absDuration(target.Sub(node.RawTime))
		if delta <= acceptWindow {
			return node, nil
		}
		if target.Before(node.RawTime) {
			hi = winStart
		} else {
			lo = winEnd
		}
	}
	return nil, fmt.Errorf("index: no file found within %s of %s", acceptWindow, target)
}

func alignDown(v, align int64) int64 {
	return v &^ (align - 1)
}

// ScanSOIEOI scans buf for the next SOI (0xFFD8) at or after start, and the
// EOI (0xFFD9) that follows it, handling neither cross-buffer continuation
// (the caller is expected to feed overlapping chunks so markers never sit
// exactly on a chunk boundary undetected).
func ScanSOIEOI(buf []byte, start int) (soi, eoi int, found bool) {
	soi = -1
	for i := start; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			soi = i
			break
		}
	}
	if soi < 0 {
		return 0, 0, false
	}
	for i := soi + 2; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			return soi, i + 1, true
		}
	}
	return soi, 0, false
}
