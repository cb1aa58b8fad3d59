// Package nvmstore implements a tag-structured, wear-aware, power-fail-safe
// record store for NOR flash. See SPEC_FULL.md for the full design; this
// file holds the Store type that every other file in the package hangs its
// methods off of.
package nvmstore

import (
	"fmt"

	"github.com/nvmtag/store/pkg/flashdriver"
	"github.com/nvmtag/store/pkg/platform"
)

// spaceState is the engine's owned, mutable view of one space: everything
// the original C platform layer kept in static arrays now lives here
// instead (see SPEC_FULL.md's note on Descriptor's reduced scope).
type spaceState struct {
	space   flashdriver.Space
	desc    platform.SpaceDesc
	maxTags uint16

	mapped []byte // live bytes backing this space, from driver.Map

	// index[tagNumber-1] is the absolute address of that tag's latest
	// clean version, or -1 if none exists yet.
	index []int64

	vitals SpaceVitals

	sectorVitals []SectorVitals
	sectorStats  []SectorStats

	initialized bool
}

func (s *spaceState) sectorCount() uint16 { return s.desc.NumberOfSectors }

func (s *spaceState) sectorAddress(sector uint16) (uint32, error) {
	if sector >= s.sectorCount() {
		return 0, fmt.Errorf("%w: sector %d", ErrSectorOutOfRange, sector)
	}
	return s.desc.StartAddress + uint32(sector)*s.desc.SectorLength, nil
}

func (s *spaceState) sectorAddressRange(sector uint16) (start, endExclusive uint32, err error) {
	start, err = s.sectorAddress(sector)
	if err != nil {
		return 0, 0, err
	}
	return start, start + s.desc.SectorLength, nil
}

func (s *spaceState) sectorNumberFromAddress(addr uint32) (uint16, bool) {
	if addr < s.desc.StartAddress {
		return 0, false
	}
	offset := addr - s.desc.StartAddress
	total := uint32(s.sectorCount()) * s.desc.SectorLength
	if offset >= total {
		return 0, false
	}
	return uint16(offset / s.desc.SectorLength), true
}

// sectorRegion returns the writable payload span of a sector: bottom reserved
// bytes excluded, top reserved+headroom bytes excluded.
func (s *spaceState) sectorRegion(sector uint16) ([]byte, uint32, error) {
	start, endExclusive, err := s.sectorAddressRange(sector)
	if err != nil {
		return nil, 0, err
	}
	regionStart := start + sectorReservedSize
	regionEnd := endExclusive - sectorReservedSize - sectorHeadroom
	lo := regionStart - s.desc.StartAddress
	hi := regionEnd - s.desc.StartAddress
	return s.mapped[lo:hi], regionStart, nil
}

func (s *spaceState) bytesAt(addr uint32) []byte {
	return s.mapped[addr-s.desc.StartAddress:]
}

func (s *spaceState) tagPtr(tagNumber uint16) (uint32, bool) {
	if tagNumber < tagNumMin || tagNumber > s.maxTags {
		return 0, false
	}
	v := s.index[tagNumber-1]
	if v < 0 {
		return 0, false
	}
	return uint32(v), true
}

func (s *spaceState) setTagPtr(tagNumber uint16, addr uint32) {
	if tagNumber < tagNumMin || tagNumber > s.maxTags {
		return
	}
	s.index[tagNumber-1] = int64(addr)
}

func (s *spaceState) clearTagPtr(tagNumber uint16) {
	if tagNumber < tagNumMin || tagNumber > s.maxTags {
		return
	}
	s.index[tagNumber-1] = -1
}

func (s *spaceState) maxSectorFreeSpace() uint32 {
	return s.desc.SectorLength - 2*sectorReservedSize - sectorHeadroom
}

func (s *spaceState) maxSpaceFreeSpace() uint32 {
	return s.maxSectorFreeSpace() * uint32(s.sectorCount())
}

// Store is the engine. One Store instance owns every space named by its
// platform descriptor; it is not reentrant and carries no internal lock,
// matching the single-threaded, externally-synchronized concurrency model
// this engine assumes.
type Store struct {
	descriptor platform.Descriptor
	driver     flashdriver.FlashDriver
	fatalSink  flashdriver.FatalSink

	spaces map[flashdriver.Space]*spaceState
}

// New builds a Store. It performs no I/O; call Init before any other method.
func New(descriptor platform.Descriptor, driver flashdriver.FlashDriver, fatalSink flashdriver.FatalSink) *Store {
	return &Store{
		descriptor: descriptor,
		driver:     driver,
		fatalSink:  fatalSink,
		spaces:     make(map[flashdriver.Space]*spaceState),
	}
}

func (st *Store) fatal(space flashdriver.Space, code flashdriver.FatalCode, detail error) error {
	if st.fatalSink != nil {
		st.fatalSink(code, space, detail)
	}
	return &flashdriver.FatalError{Code: code, Space: space, Detail: detail}
}

func (st *Store) state(space flashdriver.Space) (*spaceState, error) {
	s, ok := st.spaces[space]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSpace, space)
	}
	if !s.initialized {
		return nil, fmt.Errorf("%w: space %d", ErrNotInitialized, space)
	}
	return s, nil
}

// availableRoomStats recomputes space-level free/clean/unclean byte totals
// from the per-sector stats cache. It does not rescan flash.
func (s *spaceState) availableRoomStats() SpaceStats {
	var out SpaceStats
	var maxUnclean uint32
	out.MaxUncleanTagSectorNumber = noSector

	for i, stats := range s.sectorStats {
		if stats.UncleanTagBytes > maxUnclean {
			maxUnclean = stats.UncleanTagBytes
			out.MaxUncleanTagSectorNumber = uint16(i)
		}
		out.FreeSpace += stats.FreeSpaceBytes
		out.TotalCleanBytes += stats.CleanTagBytes
		out.TotalUncleanBytes += stats.UncleanTagBytes
	}

	return out
}
