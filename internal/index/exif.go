package index

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Exif tag IDs consulted from IFD0 and the Exif SubIFD.
const (
	tagDateTimeOriginal = 0x0132 // IFD0's DateTime in the original camogm layout
	tagPageNumber       = 0x0129
	tagExifIFDPointer   = 0x8769
	tagSubSecOriginal   = 0x9291
)

// exifHeaderOffset is the fixed offset from file start at which the TIFF
// header begins, per the JPEG APP1/Exif segment layout this daemon writes.
const exifHeaderOffset = 12

// ParseExif walks a big-endian (Motorola) TIFF structure embedded at
// file[exifHeaderOffset:], recovering the recording port (PageNumber),
// capture time (DateTimeOriginal + SubSecTimeOriginal from the SubIFD).
func ParseExif(file []byte) (port int, rawTime time.Time, usec int, err error) {
	if len(file) < exifHeaderOffset+8 {
		return 0, time.Time{}, 0, fmt.Errorf("index: file too short for exif header")
	}
	tiff := file[exifHeaderOffset:]
	if len(tiff) < 8 || tiff[0] != 'M' || tiff[1] != 'M' {
		return 0, time.Time{}, 0, fmt.Errorf("index: not big-endian TIFF")
	}
	ifd0Offset := binary.BigEndian.Uint32(tiff[4:8])

	entries, err := readIFD(tiff, ifd0Offset)
	if err != nil {
		return 0, time.Time{}, 0, err
	}

	var dateStr string
	var subIFDOffset uint32
	for _, e := range entries {
		switch e.tag {
		case tagPageNumber:
			port = int(e.asLong(tiff))
		case tagDateTimeOriginal:
			dateStr = e.asASCII(tiff)
		case tagExifIFDPointer:
			subIFDOffset = e.asLong(tiff)
		}
	}

	usecStr := ""
	if subIFDOffset != 0 {
		subEntries, serr := readIFD(tiff, subIFDOffset)
		if serr == nil {
			for _, e := range subEntries {
				if e.tag == tagSubSecOriginal {
					usecStr = e.asASCII(tiff)
				}
			}
		}
	}

	if dateStr == "" {
		return port, time.Time{}, 0, fmt.Errorf("index: missing DateTimeOriginal")
	}
	rawTime, err = time.Parse("2006:01:02 15:04:05", dateStr)
	if err != nil {
		return port, time.Time{}, 0, fmt.Errorf("index: parse DateTimeOriginal: %w", err)
	}
	if usecStr != "" {
		fmt.Sscanf(usecStr, "%d", &usec)
	}
	return port, rawTime, usec, nil
}

type ifdEntry struct {
	tag      uint16
	typ      uint16
	count    uint32
	valueOff uint32 // the raw 4-byte value/offset field, still big-endian
}

// readIFD parses one IFD's entry count + entries array at offset.
func readIFD(tiff []byte, offset uint32) ([]ifdEntry, error) {
	if int(offset)+2 > len(tiff) {
		return nil, fmt.Errorf("index: IFD offset out of range")
	}
	count := binary.BigEndian.Uint16(tiff[offset : offset+2])
	entries := make([]ifdEntry, 0, count)
	base := int(offset) + 2
	for i := 0; i < int(count); i++ {
		off := base + i*12
		if off+12 > len(tiff) {
			return nil, fmt.Errorf("index: IFD entry out of range")
		}
		entries = append(entries, ifdEntry{
			tag:      binary.BigEndian.Uint16(tiff[off : off+2]),
			typ:      binary.BigEndian.Uint16(tiff[off+2 : off+4]),
			count:    binary.BigEndian.Uint32(tiff[off+4 : off+8]),
			valueOff: binary.BigEndian.Uint32(tiff[off+8 : off+12]),
		})
	}
	return entries, nil
}

// asLong returns the entry's value interpreted as a LONG/SHORT scalar.
func (e ifdEntry) asLong(tiff []byte) uint32 {
	switch e.typ {
	case 3: // SHORT
		return e.valueOff >> 16
	default: // LONG or stored inline
		return e.valueOff
	}
}

// asASCII reads an ASCII string value; values <=4 bytes are stored inline
// in valueOff, longer ones are stored at the offset it names.
func (e ifdEntry) asASCII(tiff []byte) string {
	n := int(e.count)
	if n == 0 {
		return ""
	}
	if n <= 4 {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, e.valueOff)
		return trimNUL(buf[:n])
	}
	if int(e.valueOff)+n > len(tiff) {
		return ""
	}
	return trimNUL(tiff[e.valueOff : int(e.valueOff)+n])
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
