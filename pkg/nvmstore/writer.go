package nvmstore

import (
	"context"
	"fmt"

	"github.com/nvmtag/store/pkg/flashdriver"
)

// writeSelectMethod mirrors the three sector-placement policies.
type writeSelectMethod int

const (
	selectFullest writeSelectMethod = iota
	selectLastAndIncrement
	selectNextAndIncrement
)

// WriteTag appends a new version of tagNumber to space, marking any prior
// version obsolete. See SPEC_FULL.md §4.4 for the full nine-step protocol
// this implements.
func (st *Store) WriteTag(ctx context.Context, space flashdriver.Space, tagNumber uint16, data []byte) error {
	s, err := st.state(space)
	if err != nil {
		return err
	}

	if tagNumber < tagNumMin || tagNumber > s.maxTags {
		return fmt.Errorf("%w: %d", ErrInvalidTagNumber, tagNumber)
	}
	if len(data) > tagNumMax { // LENGTH_OVERRANGE - 1, i.e. 0xFFFE
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	length := uint16(len(data))

	consumption := uint16(tagByteConsumption(length)) //nolint:gosec // bounded by sector size well under 1<<16

	sector, ok := st.selectWriteSector(s, consumption, selectLastAndIncrement)
	if !ok {
		s.vitals.DigDeeperIntoGarbage = true
		return ErrNoRoom
	}

	return st.writeTagToSector(ctx, s, tagNumber, sector, data)
}

// selectWriteSector implements SELECT_FULLEST / SELECT_LAST_AND_INCREMENT /
// SELECT_NEXT_AND_INCREMENT. Sectors mid-erase or mid-abandon are never
// selected.
func (st *Store) selectWriteSector(s *spaceState, bytesNeeded uint16, method writeSelectMethod) (uint16, bool) {
	n := s.sectorCount()
	lastWriteSector := s.vitals.CurrentWriteSector

	remainingInSector := func(sector uint16) (int64, bool) {
		if sector == s.vitals.SectorErasing || sector == s.vitals.SectorAbandoning {
			return invalidRemaining, false
		}
		v := s.sectorVitals[sector]
		if !v.HasLastTag {
			return int64(s.maxSectorFreeSpace()), true
		}
		_, sectorEnd, err := s.sectorAddressRange(sector)
		if err != nil {
			return invalidRemaining, false
		}
		return remainingSpaceAfterTag(s, v.LastTagAddress, sectorEnd)
	}

	if method == selectFullest {
		chosen, chosenOK := uint16(0), false
		minRemaining := int64(invalidRemaining)

		for i := uint16(0); i < n; i++ {
			remaining, ok := remainingInSector(i)
			if !ok || remaining < int64(bytesNeeded) {
				continue
			}
			if minRemaining == invalidRemaining || remaining < minRemaining {
				minRemaining = remaining
				chosen = i
				chosenOK = true
			}
		}
		return chosen, chosenOK
	}

	start := lastWriteSector
	if method == selectNextAndIncrement {
		start = wrapSector(start+1, n)
	}

	this := start
	for i := uint16(0); i < n; i++ {
		remaining, ok := remainingInSector(this)
		if ok && remaining >= int64(bytesNeeded) {
			if method == selectNextAndIncrement && this == lastWriteSector {
				return 0, false
			}
			return this, true
		}
		this = wrapSector(this+1, n)
	}

	return 0, false
}

func wrapSector(sector, n uint16) uint16 {
	if n == 0 {
		return 0
	}
	return sector % n
}

// remainingSpaceAfterTag computes how many more bytes a sector can hold
// after lastTagAddr, given the sector's usable end. Returns ok=false when
// the sanity check on lastTagAddr fails or no room remains.
func remainingSpaceAfterTag(s *spaceState, lastTagAddr, sectorEndExclusive uint32) (int64, bool) {
	raw := s.bytesAt(lastTagAddr)
	if !sanityCheckHeader(raw) {
		return invalidRemaining, false
	}
	hdr := decodeHeader(raw)
	offset := offsetToNextTag(hdr.Length)

	usableEnd := sectorEndExclusive - sectorReservedSize - sectorHeadroom
	nextDataAddr := lastTagAddr + offset + headerSize

	if nextDataAddr >= usableEnd {
		return invalidRemaining, false
	}
	return int64(usableEnd) - int64(nextDataAddr) - 1, true
}

// writeTagToSector performs the full write-to-a-chosen-sector sequence for
// an ordinary WriteTag call: address computation, a freshly incremented
// version, the three-phase write, vitals/stats maintenance, and marking
// any prior version dirty.
func (st *Store) writeTagToSector(ctx context.Context, s *spaceState, tagNumber, sector uint16, data []byte) error {
	priorAddr, hasPrior := s.tagPtr(tagNumber)
	var currentVersion uint16
	if hasPrior {
		currentVersion = decodeHeader(s.bytesAt(priorAddr)).Version
	}
	return st.placeTagInSector(ctx, s, tagNumber, sector, data, incrementVersion(currentVersion))
}

// relocateTagInSector rewrites tagNumber elsewhere with its version held
// fixed, as GC's sector-abandonment path does: moving a tag to a new
// address is not a new write of that tag, so it must not bump the version
// a caller already observed.
func (st *Store) relocateTagInSector(ctx context.Context, s *spaceState, tagNumber, sector uint16, data []byte, version uint16) error {
	return st.placeTagInSector(ctx, s, tagNumber, sector, data, version)
}

// placeTagInSector is the shared address-computation, three-phase-write,
// and vitals/stats bookkeeping both writeTagToSector and
// relocateTagInSector build on; only version assignment differs between
// the two callers.
func (st *Store) placeTagInSector(ctx context.Context, s *spaceState, tagNumber, sector uint16, data []byte, newVersion uint16) error {
	length := uint16(len(data))

	sectorStart, sectorEndExclusive, err := s.sectorAddressRange(sector)
	if err != nil {
		return st.fatal(s.space, flashdriver.ReasonSectorNumOverrun, err)
	}

	vitals := s.sectorVitals[sector]

	var newTagAddress uint32

	if vitals.HasLastTag {
		last := vitals.LastTagAddress
		if last < sectorStart+sectorReservedSize ||
			last+headerSize+sectorReservedSize >= sectorEndExclusive {
			return st.fatal(s.space, flashdriver.ReasonBadLastTagAddress, nil)
		}

		remaining, ok := remainingSpaceAfterTag(s, last, sectorEndExclusive)
		// Preserved verbatim from the source this was translated from: the
		// intended check was almost certainly "remaining < dataLength ||
		// remaining == invalid", but the actual condition only ever fires
		// on the invalid case, since remaining==invalid (-1) is always
		// less than any non-negative dataLength. See SPEC_FULL.md Design
		// Notes, open question 1.
		if !ok && remaining < int64(length) && remaining == invalidRemaining {
			return st.fatal(s.space, flashdriver.ReasonAvailableSpaceSanityError, nil)
		}

		raw := s.bytesAt(last)
		hdr := decodeHeader(raw)
		newTagAddress = last + offsetToNextTag(hdr.Length)
	} else {
		newTagAddress = sectorStart + sectorReservedSize
	}

	priorAddr, hasPrior := s.tagPtr(tagNumber)

	if !sanityCheckWriteParms(s, tagNumber, newVersion, length, newTagAddress) {
		return st.fatal(s.space, flashdriver.ReasonWriteParmsSanityCheck, nil)
	}

	if err := st.writeTagWithSanityChecks(ctx, s, tagNumber, newVersion, data, newTagAddress, sectorEndExclusive); err != nil {
		return err
	}

	s.setTagPtr(tagNumber, newTagAddress)

	if !sanityCheckHeader(s.bytesAt(newTagAddress)) {
		return st.fatal(s.space, flashdriver.ReasonWriteSanityCheck, nil)
	}

	s.sectorVitals[sector] = SectorVitals{HasLastTag: true, LastTagAddress: newTagAddress}
	s.vitals.CurrentWriteSector = sector

	consumed := tagByteConsumption(length)
	stats := &s.sectorStats[sector]
	stats.NumCleanTags++
	stats.CleanTagBytes += consumed
	stats.FreeSpaceBytes -= consumed

	if hasPrior {
		if err := st.markPriorDirty(ctx, s, priorAddr); err != nil {
			return err
		}
	}

	return nil
}

func sanityCheckWriteParms(s *spaceState, tagNumber, version, length uint16, address uint32) bool {
	if !isAligned4(address) {
		return false
	}
	if tagNumber < tagNumMin || tagNumber > tagNumMax {
		return false
	}
	if version < versionMin || version > versionMax {
		return false
	}
	if length == lengthOverrange {
		return false
	}
	consumed := tagByteConsumption(length)
	return isFreshSpan(s.bytesAt(address)[:consumed])
}

// writeTagWithSanityChecks performs the bounds check, the final
// pre-write parameter re-check, and the three-phase write itself.
func (st *Store) writeTagWithSanityChecks(
	ctx context.Context, s *spaceState, tagNumber, version uint16, data []byte, address, endOfSectorExclusive uint32,
) error {
	length := uint16(len(data))
	consumption := tagByteConsumption(length)

	if address+consumption > endOfSectorExclusive {
		return st.fatal(s.space, flashdriver.ReasonOverrunSectorWhileWriting, nil)
	}
	if !sanityCheckWriteParms(s, tagNumber, version, length, address) {
		return st.fatal(s.space, flashdriver.ReasonFailedVerifyOfHeaderWrite, nil)
	}

	return st.performThreePhaseWrite(ctx, s, tagNumber, version, data, address)
}

// performThreePhaseWrite is the write protocol from SPEC_FULL.md §3: header
// bytes (status untouched), flip HEADER_WRITTEN, payload bytes, flip
// DATA_WRITTEN. Each flash write is retried once through a hardware reset
// before being treated as fatal.
func (st *Store) performThreePhaseWrite(
	ctx context.Context, s *spaceState, tagNumber, version uint16, data []byte, address uint32,
) error {
	length := uint16(len(data))

	header := encodeFreshHeader(tagNumber, version, length)
	if err := st.writeFreshOrFatal(ctx, s, header, address); err != nil {
		return err
	}

	headerWrittenByte := statusToWire(flagHeaderWritten)
	if err := st.writeFreshOrFatal(ctx, s, []byte{headerWrittenByte}, address+statusOffset); err != nil {
		return err
	}

	if length > 0 {
		if err := st.writeFreshOrFatal(ctx, s, data, address+headerSize); err != nil {
			return err
		}
	}

	finalStatus := statusToWire(flagHeaderWritten | flagDataWritten)
	if err := st.writeMergingOrFatal(ctx, s, []byte{finalStatus}, address+statusOffset); err != nil {
		return err
	}

	return nil
}

// writeFreshOrFatal writes to flash the engine believes is still in the
// all-ones state, retrying once through a hardware reset on failure and
// escalating a second failure to fatal. It does not verify freshness
// itself (callers have already done so as part of their sanity checks);
// it exists to centralize the retry/fatal-escalation idiom.
func (st *Store) writeFreshOrFatal(ctx context.Context, s *spaceState, data []byte, addr uint32) error {
	return st.writeOrFatal(ctx, s, data, addr)
}

// writeMergingOrFatal writes a byte that only clears additional bits on top
// of whatever is already there (a status-byte flip onto a byte that may
// already have some bits cleared), with the same retry/fatal behavior.
func (st *Store) writeMergingOrFatal(ctx context.Context, s *spaceState, data []byte, addr uint32) error {
	return st.writeOrFatal(ctx, s, data, addr)
}

func (st *Store) writeOrFatal(ctx context.Context, s *spaceState, data []byte, addr uint32) error {
	if err := st.driver.Write(ctx, addr, data); err != nil {
		if resetErr := st.driver.HardwareReset(ctx); resetErr != nil {
			return st.fatal(s.space, flashdriver.ReasonSecondWriteFailed, resetErr)
		}
		if err := st.driver.Write(ctx, addr, data); err != nil {
			return st.fatal(s.space, flashdriver.ReasonSecondWriteFailed, err)
		}
	}
	return nil
}

// markPriorDirty flips DIRTY on the tag previously at priorAddr and moves
// its bytes from clean to unclean in its sector's stats.
func (st *Store) markPriorDirty(ctx context.Context, s *spaceState, priorAddr uint32) error {
	raw := s.bytesAt(priorAddr)
	hdr := decodeHeader(raw)

	newStatus := statusToWire(hdr.Status | flagDirty)
	if err := st.writeMergingOrFatal(ctx, s, []byte{newStatus}, priorAddr+statusOffset); err != nil {
		return err
	}

	consumed := tagByteConsumption(hdr.Length)

	sectorNumber, ok := s.sectorNumberFromAddress(priorAddr)
	if !ok {
		return st.fatal(s.space, flashdriver.ReasonPastSectorNumberInvalid, nil)
	}

	old := &s.sectorStats[sectorNumber]
	old.NumDirtyTags++
	old.NumCleanTags--
	old.UncleanTagBytes += consumed
	old.CleanTagBytes -= consumed

	return nil
}
