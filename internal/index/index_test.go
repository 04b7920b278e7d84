package index

import (
	"testing"
	"time"
)

func nodeAt(t time.Time, off int64) *Node {
	return &Node{Offset: off, RawTime: t}
}

func TestDirectoryAppendOrdering(t *testing.T) {
	d := NewDirectory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.Append(nodeAt(base, 0))
	d.Append(nodeAt(base.Add(time.Minute), 4096))
	d.Append(nodeAt(base.Add(2*time.Minute), 8192))

	if d.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", d.Count())
	}
	if d.Head().Offset != 0 || d.Tail().Offset != 8192 {
		t.Fatalf("head/tail offsets = %d/%d", d.Head().Offset, d.Tail().Offset)
	}
}

func TestFindByTimeEmptyDirectoryFallsBackToFullRange(t *testing.T) {
	d := NewDirectory()
	target := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	called := false
	node, err := FindByTime(d, 0, 1<<30, target, func(lo, hi int64) (*Node, error) {
		called = true
		return nodeAt(target, lo), nil
	})
	if err != nil {
		t.Fatalf("FindByTime: %v", err)
	}
	if !called {
		t.Fatal("expected scanWindow to be invoked")
	}
	if node == nil || !node.RawTime.Equal(target) {
		t.Fatalf("unexpected node: %+v", node)
	}
}

func TestFindByTimeNoMatchErrors(t *testing.T) {
	d := NewDirectory()
	target := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := FindByTime(d, 0, 1<<20, target, func(lo, hi int64) (*Node, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error when no window ever yields a node")
	}
}

func TestScanSOIEOIFindsMarkers(t *testing.T) {
	buf := []byte{0x00, 0xFF, 0xD8, 'j', 'p', 'g', 0xFF, 0xD9, 0x00}
	soi, eoi, found := ScanSOIEOI(buf, 0)
	if !found {
		t.Fatal("expected markers to be found")
	}
	if soi != 1 || eoi != 7 {
		t.Fatalf("soi=%d eoi=%d, want 1/7", soi, eoi)
	}
}

func TestScanSOIEOINoEOI(t *testing.T) {
	buf := []byte{0xFF, 0xD8, 'j', 'p', 'g'}
	_, _, found := ScanSOIEOI(buf, 0)
	if found {
		t.Fatal("expected no complete marker pair")
	}
}

func TestParseExifRoundTrip(t *testing.T) {
	buf := buildTestExif(t, 2, "2026:01:15 10:20:30", "123456")
	port, rawTime, usec, err := ParseExif(buf)
	if err != nil {
		t.Fatalf("ParseExif: %v", err)
	}
	if port != 2 {
		t.Errorf("port = %d, want 2", port)
	}
	want := time.Date(2026, 1, 15, 10, 20, 30, 0, time.UTC)
	if !rawTime.Equal(want) {
		t.Errorf("rawTime = %v, want %v", rawTime, want)
	}
	if usec != 123456 {
		t.Errorf("usec = %d, want 123456", usec)
	}
}

// buildTestExif constructs a minimal big-endian TIFF/Exif blob with IFD0
// holding PageNumber + DateTimeOriginal + a SubIFD pointer, and the SubIFD
// holding SubSecTimeOriginal, matching the layout ParseExif expects.
func buildTestExif(t *testing.T, port int, dateStr, subsec string) []byte {
	t.Helper()

	dateBytes := append([]byte(dateStr), 0)
	subsecBytes := append([]byte(subsec), 0)

	// tiff holds everything relative to the TIFF header start ("MM"),
	// which ParseExif treats as offset 0: "MM" + version(2) + ifd0Offset(4),
	// IFD0 entries, external data, SubIFD entries, external data.
	tiff := []byte{'M', 'M'}
	tiff = appendU16(tiff, 42)
	ifd0Offset := uint32(len(tiff) + 4)
	tiff = appendU32(tiff, ifd0Offset)

	ifd0EntryCount := 3
	ifd0Size := 2 + ifd0EntryCount*12 + 4
	dateOffset := ifd0Offset + uint32(ifd0Size)
	subIFDOffset := dateOffset + uint32(len(dateBytes))
	subIFDEntryCount := 1
	subIFDSize := 2 + subIFDEntryCount*12 + 4
	subsecOffset := subIFDOffset + uint32(subIFDSize)

	tiff = appendU16(tiff, uint16(ifd0EntryCount))
	tiff = appendIFDEntry(tiff, tagPageNumber, 3, 1, uint32(port)<<16)
	tiff = appendIFDEntry(tiff, tagDateTimeOriginal, 2, uint32(len(dateBytes)), dateOffset)
	tiff = appendIFDEntry(tiff, tagExifIFDPointer, 4, 1, subIFDOffset)
	tiff = appendU32(tiff, 0) // next IFD0 = 0

	tiff = append(tiff, dateBytes...)

	tiff = appendU16(tiff, uint16(subIFDEntryCount))
	tiff = appendIFDEntry(tiff, tagSubSecOriginal, 2, uint32(len(subsecBytes)), subsecOffset)
	tiff = appendU32(tiff, 0) // next SubIFD = 0

	tiff = append(tiff, subsecBytes...)

	file := make([]byte, exifHeaderOffset)
	return append(file, tiff...)
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendIFDEntry(buf []byte, tag, typ uint16, count, valueOff uint32) []byte {
	buf = appendU16(buf, tag)
	buf = appendU16(buf, typ)
	buf = appendU32(buf, count)
	buf = appendU32(buf, valueOff)
	return buf
}
