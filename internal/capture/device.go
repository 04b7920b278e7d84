package capture

import "fmt"

// RingFactory constructs the live Ring/HeaderDevice/ExifDevice trio for one
// sensor port from its three device paths. The capture-ring kernel driver
// and its lseek(whence=magic) protocol are external collaborators (not
// part of this repository, and explicitly out of scope), so no concrete
// RingFactory ships here. A deployment targeting real hardware registers
// one at startup; everything else in this package and in drain/session is
// written against the Ring/HeaderDevice/ExifDevice interfaces and is
// exercised in tests via FakeRing.
type RingFactory func(ringDevice, headerDevice, exifDevice string) (Ring, HeaderDevice, ExifDevice, error)

// DefaultFactory is nil until a hardware backend registers itself. Open
// returns a descriptive error if called before that happens, rather than
// silently falling back to a fake ring in what would otherwise look like
// a production binary.
var DefaultFactory RingFactory

// Open constructs one port's capture devices via DefaultFactory.
func Open(ringDevice, headerDevice, exifDevice string) (Ring, HeaderDevice, ExifDevice, error) {
	if DefaultFactory == nil {
		return nil, nil, nil, fmt.Errorf("capture: no hardware backend registered for %s (capture-ring driver is outside this repository's scope)", ringDevice)
	}
	return DefaultFactory(ringDevice, headerDevice, exifDevice)
}
