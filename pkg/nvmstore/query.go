package nvmstore

import (
	"context"

	"github.com/nvmtag/store/pkg/flashdriver"
)

// TagInfo is the metadata-only view of a tag's latest clean version,
// returned by LatestTagInfo.
type TagInfo struct {
	Version uint16
	Length  uint16
	Address uint32
}

// TagVersionRef identifies one on-flash occurrence of a tag (clean or
// dirty) found by NVersions.
type TagVersionRef struct {
	Version uint16
	Address uint32
	Length  uint16
	Dirty   bool
}

// ReadTag returns the payload of tag's latest clean version in space. The
// returned slice borrows directly from the engine's mapped flash buffer
// (see SPEC_FULL.md §9 Cyclic structure avoidance): it is valid only until
// the next mutating call on this space. ok is false if no clean version of
// tag currently exists (never written, or all prior versions dirty).
func (st *Store) ReadTag(space flashdriver.Space, tagNumber uint16) (data []byte, ok bool) {
	s, err := st.state(space)
	if err != nil {
		return nil, false
	}

	addr, found := s.tagPtr(tagNumber)
	if !found {
		return nil, false
	}

	raw := s.bytesAt(addr)
	if !sanityCheckHeader(raw) {
		return nil, false
	}
	hdr := decodeHeader(raw)

	return raw[headerSize : headerSize+hdr.Length], true
}

// LatestTagInfo is the metadata-only counterpart to ReadTag: version,
// length, and flash address of a tag's latest clean version, without
// returning the payload itself.
func (st *Store) LatestTagInfo(space flashdriver.Space, tagNumber uint16) (TagInfo, bool) {
	s, err := st.state(space)
	if err != nil {
		return TagInfo{}, false
	}

	addr, found := s.tagPtr(tagNumber)
	if !found {
		return TagInfo{}, false
	}

	raw := s.bytesAt(addr)
	if !sanityCheckHeader(raw) {
		return TagInfo{}, false
	}
	hdr := decodeHeader(raw)

	return TagInfo{Version: hdr.Version, Length: hdr.Length, Address: addr}, true
}

// SanityCheckSector reports whether sector's reserved/headroom regions are
// untouched and its writable region scans as SANE: every header
// well-formed and no in-progress tag. Tags already closed as INSANE by the
// repair path are well-formed and do not make a sector fail. Used after
// EraseSectorForeground to confirm the sector is genuinely back to fresh,
// and ad hoc for diagnostics.
func (st *Store) SanityCheckSector(space flashdriver.Space, sector uint16) bool {
	s, err := st.state(space)
	if err != nil {
		return false
	}
	return sanityCheckSector(s, sector)
}

func sanityCheckSector(s *spaceState, sector uint16) bool {
	if sector >= s.sectorCount() {
		return false
	}

	start, endExclusive, err := s.sectorAddressRange(sector)
	if err != nil {
		return false
	}

	lo := start - s.desc.StartAddress
	topReservedStart := endExclusive - sectorReservedSize - sectorHeadroom - s.desc.StartAddress
	bottomReserved := s.mapped[lo : lo+sectorReservedSize]
	topReserved := s.mapped[topReservedStart : topReservedStart+sectorHeadroom+sectorReservedSize]

	if !isFreshSpan(bottomReserved) || !isFreshSpan(topReserved) {
		return false
	}

	region, regionStart, err := s.sectorRegion(sector)
	if err != nil {
		return false
	}

	sanity, _ := scanSectorLayout(region, regionStart)
	return sanity == sectorSane
}

// NVersions scans every sector of space collecting occurrences (clean or
// dirty; never insane) of tagNumber whose version lies within [lo, hi],
// in flash scan order (sector by sector, lowest address first); with
// maxResults > 0 only the first maxResults found are returned. Special
// inputs, given as (versionHi, versionLo), matching the original API's
// overloaded zero-as-default convention:
//
//   - (0, 0): every version.
//   - (0, k): from the current latest version minus k up through the
//     current latest.
//   - (h, 0): from VersionMin up through h.
func (st *Store) NVersions(space flashdriver.Space, tagNumber uint16, versionHi, versionLo uint16, maxResults int) ([]TagVersionRef, bool) {
	s, err := st.state(space)
	if err != nil {
		return nil, false
	}

	lo, hi := versionLo, versionHi
	if lo == 0 && hi == 0 {
		lo, hi = versionMin, versionMaxSane
	} else if hi == 0 {
		latest, ok := s.tagPtr(tagNumber)
		latestVersion := uint16(0)
		if ok {
			latestVersion = decodeHeader(s.bytesAt(latest)).Version
		}
		if latestVersion > versionLo {
			lo = latestVersion - versionLo
		} else {
			lo = versionMin
		}
		hi = latestVersion
	} else if lo == 0 {
		lo = versionMin
		hi = versionHi
	}

	var out []TagVersionRef

	for sector := uint16(0); sector < s.sectorCount(); sector++ {
		region, regionStart, err := s.sectorRegion(sector)
		if err != nil {
			return nil, false
		}

		offset := uint32(0)
		end := uint32(len(region))
		for offset < end {
			remaining := region[offset:]
			if len(remaining) < headerSize || isFreshSpan(remaining[:min(len(remaining), reservedFieldLen)]) {
				break
			}
			if !basicSanityCheckHeader(remaining) {
				break
			}

			hdr := decodeHeader(remaining)
			if hdr.TagNumber == tagNumber && hdr.Status&flagInsane == 0 &&
				hdr.Version >= lo && hdr.Version <= hi {
				out = append(out, TagVersionRef{
					Version: hdr.Version,
					Address: regionStart + offset,
					Length:  hdr.Length,
					Dirty:   hdr.Status&flagDirty != 0,
				})
			}

			offset += offsetToNextTag(hdr.Length)
		}
	}

	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}

	return out, true
}

// TotalReset force-erases every sector of space and wipes its in-memory
// vitals, stats, and latest-version index. The space is left uninitialized:
// Init must be called again before any other API call on it succeeds.
func (st *Store) TotalReset(ctx context.Context, space flashdriver.Space) error {
	s, err := st.state(space)
	if err != nil {
		return err
	}

	for sector := uint16(0); sector < s.sectorCount(); sector++ {
		if err := st.driver.Erase(ctx, space, sector); err != nil {
			return st.fatal(space, flashdriver.ReasonEraseVerifyFail, err)
		}
	}

	s.initialized = false
	for i := range s.index {
		s.index[i] = -1
	}
	s.vitals = SpaceVitals{SectorErasing: noSector, SectorAbandoning: noSector}
	for i := range s.sectorVitals {
		s.sectorVitals[i] = SectorVitals{}
	}
	for i := range s.sectorStats {
		s.sectorStats[i] = SectorStats{}
	}

	return nil
}
