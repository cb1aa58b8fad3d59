package nvmstore

import (
	"context"
	"fmt"

	"github.com/nvmtag/store/pkg/flashdriver"
	"github.com/nvmtag/store/pkg/platform"
)

// Init brings up every space named by the descriptor: it sanity-checks and
// repairs every sector, rebuilds the latest-version index from scratch, and
// picks a starting write sector. Any prior in-memory state for a space is
// discarded.
//
// findAndEraseBadSectors should be true the first time a process starts
// after an unplanned power loss: it assumes a sector that reads back
// unreadable or non-fresh-but-insane was left mid-erase, and erases it
// outright rather than attempting the normal repair path.
func (st *Store) Init(ctx context.Context, findAndEraseBadSectors bool) error {
	for _, space := range st.descriptor.Spaces() {
		if err := st.initSpace(ctx, space, findAndEraseBadSectors); err != nil {
			return err
		}
	}
	return nil
}

func (st *Store) initSpace(ctx context.Context, space flashdriver.Space, findAndEraseBadSectors bool) error {
	desc, err := st.descriptor.SpaceDesc(space)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownSpace, err)
	}
	maxTags, err := st.descriptor.MaxTagNumber(space)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownSpace, err)
	}
	mapped, err := st.driver.Map(space)
	if err != nil {
		return err
	}

	s := &spaceState{
		space:        space,
		desc:         desc,
		maxTags:      maxTags,
		mapped:       mapped,
		index:        make([]int64, maxTags),
		sectorVitals: make([]SectorVitals, desc.NumberOfSectors),
		sectorStats:  make([]SectorStats, desc.NumberOfSectors),
	}
	for i := range s.index {
		s.index[i] = -1
	}
	s.vitals.SectorAbandoning = noSector
	s.vitals.SectorErasing = noSector

	st.spaces[space] = s

	if findAndEraseBadSectors {
		if err := st.findBadSectorsAndEraseThem(ctx, s); err != nil {
			return err
		}
	}

	if err := st.initializeSectors(ctx, s); err != nil {
		return err
	}

	s.initialized = true
	return nil
}

// initializeSectors is the two-pass power-up scan: first fix/survey every
// sector and cache its last-tag address, then walk every sector again to
// compute stats and rebuild the tag pointer index, and finally pick a
// starting write sector.
func (st *Store) initializeSectors(ctx context.Context, s *spaceState) error {
	for sector := uint16(0); sector < s.sectorCount(); sector++ {
		if err := st.surveySector(ctx, s, sector); err != nil {
			return err
		}

		region, regionStart, err := s.sectorRegion(sector)
		if err != nil {
			return err
		}
		if offset, ok := lastTagInSector(region); ok {
			s.sectorVitals[sector] = SectorVitals{HasLastTag: true, LastTagAddress: regionStart + offset}
		} else {
			s.sectorVitals[sector] = SectorVitals{}
		}
	}

	for i := range s.index {
		s.index[i] = -1
	}

	for sector := uint16(0); sector < s.sectorCount(); sector++ {
		region, regionStart, err := s.sectorRegion(sector)
		if err != nil {
			return err
		}

		s.sectorStats[sector] = calculateSectorStats(region)

		if err := st.updateTagPtrsFromSector(ctx, s, region, regionStart); err != nil {
			return err
		}
	}

	if sector, ok := st.selectWriteSector(s, 1, selectFullest); ok {
		s.vitals.CurrentWriteSector = sector
	}

	return nil
}

// surveySector checks one sector's sanity and repairs it in place if a
// partially-written tag is found at the tail.
func (st *Store) surveySector(ctx context.Context, s *spaceState, sector uint16) error {
	region, regionStart, err := s.sectorRegion(sector)
	if err != nil {
		return err
	}
	if isFreshSpan(region) {
		return nil
	}

	sanity, problemAddr := scanSectorLayout(region, regionStart)
	if sanity != sectorSane {
		if resetErr := st.driver.HardwareReset(ctx); resetErr != nil {
			return st.fatal(s.space, flashdriver.ReasonSectorUnfixable, resetErr)
		}
		region, regionStart, err = s.sectorRegion(sector)
		if err != nil {
			return err
		}
		sanity, problemAddr = scanSectorLayout(region, regionStart)
	}

	switch sanity {
	case sectorSane:
		return nil
	case sectorRecoverable:
		if err := st.repairTagHeader(ctx, s, problemAddr); err != nil {
			return st.fatal(s.space, flashdriver.ReasonCantFixPartialTag, err)
		}
		region, regionStart, err = s.sectorRegion(sector)
		if err != nil {
			return err
		}
		if sanity, _ := scanSectorLayout(region, regionStart); sanity != sectorSane {
			return st.fatal(s.space, flashdriver.ReasonTagFixFailed, nil)
		}
		return nil
	default:
		return st.fatal(s.space, flashdriver.ReasonSectorUnfixable, nil)
	}
}

// repairTagHeader writes the closing, all-insane header image over a
// partially-written tag so the sector layout scan no longer trips on it.
// The repair takes two flash writes: the header fields with the status
// byte left as found, then the final status bits.
func (st *Store) repairTagHeader(ctx context.Context, s *spaceState, addr uint32) error {
	raw := s.bytesAt(addr)
	repaired := repairedHeader(raw)
	finalStatus := repaired[statusOffset]
	repaired[statusOffset] = raw[statusOffset]
	if err := st.writeMergingOrFatal(ctx, s, repaired, addr); err != nil {
		return err
	}
	return st.writeMergingOrFatal(ctx, s, []byte{finalStatus}, addr+statusOffset)
}

// calculateSectorStats tallies one sector's tag population from scratch by
// walking region, a sector's writable span (headroom already excluded by
// the caller via sectorRegion).
func calculateSectorStats(region []byte) SectorStats {
	var stats SectorStats

	freeSpace := int64(len(region))
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
		consumed := tagByteConsumption(hdr.Length)

		switch {
		case hdr.Status&flagDataWritten != 0 && hdr.Status&(flagDirty|flagInsane) == 0:
			stats.NumCleanTags++
			stats.CleanTagBytes += consumed
		case hdr.Status&flagInsane != 0:
			stats.NumInsaneTags++
			stats.UncleanTagBytes += consumed
		default:
			stats.NumDirtyTags++
			stats.UncleanTagBytes += consumed
		}

		if freeSpace >= int64(consumed) {
			freeSpace -= int64(consumed)
		} else {
			freeSpace = 0
		}

		next := offsetToNextTag(hdr.Length)
		if next == 0 {
			break
		}
		offset += next
	}

	stats.FreeSpaceBytes = uint32(freeSpace)
	return stats
}

// updateTagPtrsFromSector walks every clean tag in region (already the
// sector's writable span, starting at regionStart) and folds it into the
// latest-version index, flipping DIRTY on whichever of two colliding
// versions turns out to be obsolete.
func (st *Store) updateTagPtrsFromSector(ctx context.Context, s *spaceState, region []byte, regionStart uint32) error {
	offset := uint32(0)
	end := uint32(len(region))

	for offset < end {
		cur := regionStart + offset
		remaining := region[offset:]

		if len(remaining) < headerSize || isFreshSpan(remaining[:min(len(remaining), reservedFieldLen)]) {
			break
		}
		if !basicSanityCheckHeader(remaining) {
			break
		}

		hdr := decodeHeader(remaining)
		finishedWrite := hdr.Status&(flagHeaderWritten|flagDataWritten) == flagHeaderWritten|flagDataWritten
		dirty := hdr.Status&(flagDirty|flagInsane) != 0

		if finishedWrite && !dirty && hdr.TagNumber != tagNumInsane {
			if err := st.foldTagIntoIndex(ctx, s, hdr, cur); err != nil {
				return err
			}
		}

		offset += offsetToNextTag(hdr.Length)
	}

	return nil
}

func (st *Store) foldTagIntoIndex(ctx context.Context, s *spaceState, hdr tagHeader, addr uint32) error {
	priorAddr, hasPrior := s.tagPtr(hdr.TagNumber)
	if !hasPrior {
		s.setTagPtr(hdr.TagNumber, addr)
		return nil
	}

	priorHdr := decodeHeader(s.bytesAt(priorAddr))

	var obsoleteAddr uint32
	if isLatestVersion(hdr.Version, priorHdr.Version) {
		s.setTagPtr(hdr.TagNumber, addr)
		obsoleteAddr = priorAddr
	} else {
		obsoleteAddr = addr
	}

	return st.markPriorDirty(ctx, s, obsoleteAddr)
}

// findBadSectorsAndEraseThem erases any sector whose tag layout scan comes
// back unrecoverably failed, under the assumption it was left mid-erase by
// an interrupted power cycle. Intended only as part of Init before any
// stats/vitals tracking is live.
func (st *Store) findBadSectorsAndEraseThem(ctx context.Context, s *spaceState) error {
	for sector := uint16(0); sector < s.sectorCount(); sector++ {
		region, regionStart, err := s.sectorRegion(sector)
		if err != nil {
			return err
		}
		sanity, _ := scanSectorLayout(region, regionStart)
		if sanity == sectorFailed {
			if err := st.driver.Erase(ctx, s.space, sector); err != nil {
				return err
			}
		}
	}
	return nil
}

// repairPhonySectorsFull re-derives stats for every sector, repairing any
// sector the scan still finds insane along the way. It exists for the case
// where DigDeeperIntoGarbage was set: the engine believed it was out of
// room because its cached stats drifted from what is actually on flash.
func (st *Store) repairPhonySectorsFull(ctx context.Context, s *spaceState) error {
	for sector := uint16(0); sector < s.sectorCount(); sector++ {
		region, regionStart, err := s.sectorRegion(sector)
		if err != nil {
			return err
		}

		sanity, _ := scanSectorLayout(region, regionStart)
		if sanity != sectorSane {
			if err := st.surveySector(ctx, s, sector); err != nil {
				return err
			}
			region, _, err = s.sectorRegion(sector)
			if err != nil {
				return err
			}
		}

		s.sectorStats[sector] = calculateSectorStats(region)
	}
	return nil
}

// platformSpaceDesc is a tiny convenience alias kept local to this file so
// call sites reading platform.SpaceDesc fields stay terse.
type platformSpaceDesc = platform.SpaceDesc
