package nvmstore

// sectorSanity is the outcome of walking a sector's tag layout.
type sectorSanity int

const (
	sectorFailed sectorSanity = iota
	sectorRecoverable
	sectorSane
)

// scanSectorLayout walks region[0:len(region)] (already the writable span of
// a sector, i.e. with the bottom reserved region excluded by the caller and
// the top reserved+headroom region excluded from regionEnd) starting at
// absolute address start, classifying it as sane, recoverable, or failed.
//
// On sectorRecoverable it also returns the absolute address of the tag that
// needs repair. Deterministic: depends only on the bytes in region.
func scanSectorLayout(region []byte, start uint32) (sectorSanity, uint32) {
	var problemAddress uint32

	offset := uint32(0)
	end := uint32(len(region))

	for offset < end {
		cur := start + offset
		if !isAligned4(cur) {
			return sectorFailed, 0
		}

		remaining := region[offset:]

		if len(remaining) >= reservedFieldLen && isFreshSpan(remaining[:reservedFieldLen]) {
			if !isFreshSpan(remaining) {
				return sectorFailed, 0
			}
			return sectorSane, 0
		}

		saneTag := len(remaining) >= headerSize && sanityCheckHeader(remaining)
		basicSaneTag := len(remaining) >= headerSize && basicSanityCheckHeader(remaining)

		switch {
		case saneTag || basicSaneTag:
			hdr := decodeHeader(remaining)
			nextOffset := offsetToNextTag(hdr.Length)

			if offset+nextOffset > end {
				return sectorFailed, 0
			}

			problemAddress = cur
			offset += nextOffset

			if !saneTag && basicSaneTag {
				tail := region[offset:]
				if !isFreshSpan(tail) {
					return sectorFailed, 0
				}
				return sectorRecoverable, problemAddress
			}

		default:
			if len(remaining) < headerSize || !isPartiallyWrittenHeaderCorrectable(remaining) {
				return sectorFailed, 0
			}

			problemAddress = cur
			offset += headerSize

			tail := region[offset:]
			if !isFreshSpan(tail) {
				return sectorFailed, 0
			}
			return sectorRecoverable, problemAddress
		}
	}

	return sectorSane, 0
}

// lastTagInSector walks region from its start, returning the offset of the
// last *sane* (clean or dirty, but fully committed) tag header, or ok=false
// if the sector has no tags at all. Assumes the sector has already been
// found sane or repaired; it stops at the first non-sane header or fresh
// span rather than attempting to classify failures itself.
func lastTagInSector(region []byte) (lastOffset uint32, ok bool) {
	offset := uint32(0)
	end := uint32(len(region))

	for offset < end {
		remaining := region[offset:]

		if len(remaining) >= reservedFieldLen && isFreshSpan(remaining[:reservedFieldLen]) {
			return lastOffset, ok
		}

		if len(remaining) < headerSize || !sanityCheckHeader(remaining) {
			return lastOffset, ok
		}

		lastOffset = offset
		ok = true

		hdr := decodeHeader(remaining)
		offset += offsetToNextTag(hdr.Length)
	}

	return lastOffset, ok
}
