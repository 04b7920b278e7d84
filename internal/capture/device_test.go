package capture

import "testing"

func TestOpenWithoutFactoryReturnsDescriptiveError(t *testing.T) {
	prev := DefaultFactory
	DefaultFactory = nil
	defer func() { DefaultFactory = prev }()

	_, _, _, err := Open("/dev/circbuf0", "/dev/circbufhdr0", "/dev/circbufexif0")
	if err == nil {
		t.Fatalf("expected an error when no RingFactory is registered")
	}
}

func TestOpenUsesRegisteredFactory(t *testing.T) {
	prev := DefaultFactory
	defer func() { DefaultFactory = prev }()

	var gotRing, gotHdr, gotExif string
	DefaultFactory = func(ringDevice, headerDevice, exifDevice string) (Ring, HeaderDevice, ExifDevice, error) {
		gotRing, gotHdr, gotExif = ringDevice, headerDevice, exifDevice
		return NewFakeRing(4096), nil, nil, nil
	}

	ring, _, _, err := Open("/dev/circbuf0", "/dev/circbufhdr0", "/dev/circbufexif0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ring == nil {
		t.Fatalf("expected a non-nil ring from the registered factory")
	}
	if gotRing != "/dev/circbuf0" || gotHdr != "/dev/circbufhdr0" || gotExif != "/dev/circbufexif0" {
		t.Fatalf("factory did not receive the expected device paths: %q %q %q", gotRing, gotHdr, gotExif)
	}
}
