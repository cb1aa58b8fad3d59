// Package flashmock implements flashdriver.FlashDriver entirely in host
// RAM, for tests and for cmd/nvmctl. It models the two properties the
// engine actually depends on from real NOR flash: Write may only clear
// bits (1->0), and Erase resets a whole sector back to all-ones. A
// separate failpoint wrapper (crash.go) can truncate a Write or Erase
// partway through to simulate power loss mid-operation, the way
// pkg/fs.Crash truncates filesystem operations for the same purpose.
package flashmock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nvmtag/store/pkg/flashdriver"
	"github.com/nvmtag/store/pkg/platform"
)

// ErrZeroToOneWrite is returned by Write when the caller's data would flip
// a bit from 0 to 1, a transition real NOR flash cannot perform without an
// erase. The engine itself is expected to never trigger this (every write
// path pre-checks the target span is fresh or merging); tests use it to
// catch an engine regression that would corrupt real hardware.
var ErrZeroToOneWrite = errors.New("flashmock: write would flip a 0 bit to 1")

// ErrUnknownSpace is returned for an address or space Image was not
// configured with.
var ErrUnknownSpace = errors.New("flashmock: unknown space")

type spaceImage struct {
	start        uint32
	sectorLength uint32
	bytes        []byte
}

// Image is the raw byte storage behind Driver: one contiguous, independent
// byte slice per space, initialized to the all-ones (erased) state.
type Image struct {
	mu     sync.Mutex
	spaces map[flashdriver.Space]*spaceImage
	order  []flashdriver.Space
}

// NewImage allocates a fresh, fully-erased Image sized from descriptor.
func NewImage(descriptor platform.Descriptor) (*Image, error) {
	img := &Image{spaces: make(map[flashdriver.Space]*spaceImage)}

	for _, space := range descriptor.Spaces() {
		desc, err := descriptor.SpaceDesc(space)
		if err != nil {
			return nil, err
		}
		size := uint64(desc.SectorLength) * uint64(desc.NumberOfSectors)
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = 0xFF
		}
		img.spaces[space] = &spaceImage{start: desc.StartAddress, sectorLength: desc.SectorLength, bytes: buf}
		img.order = append(img.order, space)
	}

	return img, nil
}

func (img *Image) space(space flashdriver.Space) (*spaceImage, error) {
	si, ok := img.spaces[space]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSpace, space)
	}
	return si, nil
}

// Snapshot returns a deep copy of one space's current bytes, for tests
// that want to compare before/after state without racing a live Store.
func (img *Image) Snapshot(space flashdriver.Space) ([]byte, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	si, err := img.space(space)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(si.bytes), nil
}

// Driver is the straightforward flashdriver.FlashDriver implementation
// over an Image: no failure injection, no artificial latency.
type Driver struct {
	img *Image
}

// NewDriver wraps img as a FlashDriver.
func NewDriver(img *Image) *Driver { return &Driver{img: img} }

func (d *Driver) Init(_ context.Context) error { return nil }

func (d *Driver) HardwareReset(_ context.Context) error { return nil }

func (d *Driver) Write(_ context.Context, addr uint32, data []byte) error {
	d.img.mu.Lock()
	defer d.img.mu.Unlock()

	si, err := d.locate(addr)
	if err != nil {
		return err
	}

	offset := addr - si.start
	if offset+uint32(len(data)) > uint32(len(si.bytes)) {
		return fmt.Errorf("flashmock: write out of range at %#x (%d bytes)", addr, len(data))
	}

	for i, b := range data {
		existing := si.bytes[offset+uint32(i)]
		if b&^existing != 0 {
			return ErrZeroToOneWrite
		}
	}

	copy(si.bytes[offset:], data)
	return nil
}

func (d *Driver) Erase(_ context.Context, space flashdriver.Space, sector uint16) error {
	d.img.mu.Lock()
	defer d.img.mu.Unlock()

	si, err := d.img.space(space)
	if err != nil {
		return err
	}

	lo, hi, err := si.sectorBounds(sector)
	if err != nil {
		return err
	}
	for i := lo; i < hi; i++ {
		si.bytes[i] = 0xFF
	}
	return nil
}

func (d *Driver) Map(space flashdriver.Space) ([]byte, error) {
	si, err := d.img.space(space)
	if err != nil {
		return nil, err
	}
	return si.bytes, nil
}

func (d *Driver) locate(addr uint32) (*spaceImage, error) {
	for _, space := range d.img.order {
		si := d.img.spaces[space]
		if addr >= si.start && addr < si.start+uint32(len(si.bytes)) {
			return si, nil
		}
	}
	return nil, fmt.Errorf("%w: address %#x", ErrUnknownSpace, addr)
}

func (si *spaceImage) sectorBounds(sector uint16) (lo, hi int, err error) {
	start := uint64(sector) * uint64(si.sectorLength)
	end := start + uint64(si.sectorLength)
	if end > uint64(len(si.bytes)) {
		return 0, 0, fmt.Errorf("flashmock: sector %d out of range", sector)
	}
	return int(start), int(end), nil
}
