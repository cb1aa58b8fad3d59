package nvmstore

import "encoding/binary"

// statusFlags is the in-memory, active-high view of a tag's status byte.
// The on-flash byte is active-low (untouched = 0xFF, a flag is "set" once
// its bit has been flipped 1->0); every accessor below converts at the
// boundary so the rest of the engine never reasons about flash polarity.
type statusFlags uint8

const (
	flagHeaderWritten statusFlags = 1 << iota
	flagDataWritten
	flagDirty
	flagInsane

	flagAll = flagHeaderWritten | flagDataWritten | flagDirty | flagInsane
)

func statusFromWire(wire byte) statusFlags {
	return statusFlags(^wire)
}

func statusToWire(flags statusFlags) byte {
	return ^byte(flags)
}

func (f statusFlags) hasIllegalBits() bool {
	return f&^flagAll != 0
}

// tagHeader is the decoded view of a 12-byte on-flash header.
type tagHeader struct {
	TagNumber uint16
	Version   uint16
	Length    uint16
	Status    statusFlags
}

// encodeFreshHeader renders the 12 bytes written in write phase 1: magic,
// tag number, version, length, and a still-untouched (0xFF) status byte.
// Phase 2 flips HEADER_WRITTEN with a separate single-byte write.
func encodeFreshHeader(tagNumber, version, length uint16) []byte {
	buf := make([]byte, headerSize)
	buf[magicOffset] = magicNumber
	buf[statusOffset] = byteNeverWritten
	binary.BigEndian.PutUint16(buf[tagNumberOffset:], tagNumber)
	binary.BigEndian.PutUint16(buf[versionOffset:], version)
	binary.BigEndian.PutUint16(buf[lengthOffset:], length)
	for i := 0; i < reservedFieldLen; i++ {
		buf[reservedOffset+i] = byteNeverWritten
	}
	return buf
}

// decodeHeader reads a tagHeader out of a raw 12-byte (or longer) buffer.
// It performs no validation; call basicSanityCheck/sanityCheck first.
func decodeHeader(raw []byte) tagHeader {
	return tagHeader{
		TagNumber: binary.BigEndian.Uint16(raw[tagNumberOffset:]),
		Version:   binary.BigEndian.Uint16(raw[versionOffset:]),
		Length:    binary.BigEndian.Uint16(raw[lengthOffset:]),
		Status:    statusFromWire(raw[statusOffset]),
	}
}

func isFreshSpan(raw []byte) bool {
	for _, b := range raw {
		if b != byteNeverWritten {
			return false
		}
	}
	return true
}

// basicSanityCheckHeader checks that a header has, at minimum, finished its
// header-phase write: magic byte present, no illegal status bits,
// HEADER_WRITTEN set, tag number/version/length in their basic (not
// necessarily GC-sane) ranges, and the reserved field untouched.
//
// Note the basic check bounds tag number/version against MAX, not
// MAX_SANE: a tag number or version up to and including the two reserved
// sentinel values (TAGNUM_INSANE/VERSION_INSANE) still passes here. Only
// higher-level callers that assign new versions enforce the *_SANE ceiling.
func basicSanityCheckHeader(raw []byte) bool {
	if len(raw) < headerSize {
		return false
	}
	if raw[magicOffset] != magicNumber {
		return false
	}

	flags := statusFromWire(raw[statusOffset])
	if flags.hasIllegalBits() {
		return false
	}
	if flags&flagHeaderWritten == 0 {
		return false
	}

	tagNumber := binary.BigEndian.Uint16(raw[tagNumberOffset:])
	if tagNumber < tagNumMin || tagNumber > tagNumMax {
		return false
	}

	version := binary.BigEndian.Uint16(raw[versionOffset:])
	if version < versionMin || version > versionMax {
		return false
	}

	length := binary.BigEndian.Uint16(raw[lengthOffset:])
	if length == lengthOverrange {
		return false
	}

	return isFreshSpan(raw[reservedOffset : reservedOffset+reservedFieldLen])
}

// sanityCheckHeader is basicSanityCheckHeader plus DATA_WRITTEN: a fully
// committed tag.
func sanityCheckHeader(raw []byte) bool {
	if !basicSanityCheckHeader(raw) {
		return false
	}
	flags := statusFromWire(raw[statusOffset])
	return flags&flagDataWritten != 0
}

// isPartiallyWrittenHeaderCorrectable reports whether a header that failed
// basicSanityCheckHeader is nonetheless in a state the repair path can
// legally patch over: the header write was interrupted before
// HEADER_WRITTEN was set (so no payload was ever written either), and
// nothing that should still read as fresh has been corrupted.
//
// Must only be called on a header that has already failed the basic check;
// it assumes the header is not yet complete and does not re-verify that.
func isPartiallyWrittenHeaderCorrectable(raw []byte) bool {
	if len(raw) < headerSize {
		return false
	}

	magicFlipped := ^raw[magicOffset]
	if magicFlipped&magicNumber != 0 {
		return false
	}

	flags := statusFromWire(raw[statusOffset])
	if flags.hasIllegalBits() {
		return false
	}
	if flags&(flagHeaderWritten|flagDataWritten) != 0 {
		return false
	}

	tagNumber := binary.BigEndian.Uint16(raw[tagNumberOffset:])
	if tagNumber < tagNumMin {
		return false
	}

	version := binary.BigEndian.Uint16(raw[versionOffset:])
	if version < versionMin {
		return false
	}

	// length is a don't-care for repair purposes.

	return isFreshSpan(raw[reservedOffset : reservedOffset+reservedFieldLen])
}

// repairedHeader produces the 12-byte header image (its 4-byte reserved
// field included, left all-ones) that legally overwrites a suspect
// header with only 1->0 transitions: it marks the tag INSANE|DIRTY, with
// both HEADER_WRITTEN and DATA_WRITTEN set (closing the tag for good), and
// substitutes the insane sentinel for any field the original write never
// reached.
func repairedHeader(raw []byte) []byte {
	flags := statusFromWire(raw[statusOffset])

	tagNumber := binary.BigEndian.Uint16(raw[tagNumberOffset:])
	if tagNumber < tagNumMin {
		tagNumber = tagNumInsane
	}

	version := binary.BigEndian.Uint16(raw[versionOffset:])
	if version < versionMin {
		version = versionInsane
	}

	var length uint16
	if flags&flagHeaderWritten != 0 {
		length = binary.BigEndian.Uint16(raw[lengthOffset:])
	}

	buf := make([]byte, headerSize)
	buf[magicOffset] = magicNumber
	buf[statusOffset] = statusToWire(flagInsane | flagDirty | flagHeaderWritten | flagDataWritten)
	binary.BigEndian.PutUint16(buf[tagNumberOffset:], tagNumber)
	binary.BigEndian.PutUint16(buf[versionOffset:], version)
	binary.BigEndian.PutUint16(buf[lengthOffset:], length)
	for i := 0; i < reservedFieldLen; i++ {
		buf[reservedOffset+i] = byteNeverWritten
	}
	return buf
}

// isLatestVersion reports whether thisVersion unambiguously supersedes
// otherVersion, accounting for wraparound near VERSION_MAX_SANE.
//
// Two quirks are intentionally kept rather than cleaned up: the sanity
// bound below is a strict "<", so a version exactly equal to versionMaxSane
// is itself treated as "not sane" by this comparison (though it remains a
// perfectly legal version everywhere else in the engine); and when
// thisVersion is not sane by that bound, the function unconditionally
// reports it as latest regardless of otherVersion. Both only matter within
// one version of the wraparound boundary. Two versions on the same side of
// versionWrapThreshold are compared numerically, so two versions that both
// lie inside the wrap zone are not checked for wraparound between them.
func isLatestVersion(thisVersion, otherVersion uint16) bool {
	thisSane := thisVersion >= versionMin && thisVersion < versionMaxSane
	otherSane := otherVersion >= versionMin && otherVersion < versionMaxSane

	if thisSane && !otherSane {
		return true
	}
	if !thisSane {
		return true
	}

	thisInWrap := thisVersion > versionWrapThreshold
	otherInWrap := otherVersion > versionWrapThreshold

	if thisInWrap == otherInWrap && thisVersion > otherVersion {
		return true
	}

	return !thisInWrap && otherInWrap
}

// incrementVersion returns the version to assign after currentVersion. A
// currentVersion of 0 means "no prior version".
func incrementVersion(currentVersion uint16) uint16 {
	if currentVersion == versionMaxSane || currentVersion == 0 {
		return versionMin
	}
	return currentVersion + 1
}
