package nvmstore

// SpaceVitals is the mutable runtime state of one space that is not
// reconstructible from scanning flash alone.
type SpaceVitals struct {
	CurrentWriteSector  uint16
	DigDeeperIntoGarbage bool
	SectorErasing        uint16 // noSector when nothing is mid-erase
	SectorAbandoning     uint16 // noSector when nothing is mid-abandon
}

// SectorVitals caches the append point of one sector so the writer never
// has to rescan a sector's full tag layout to find where the next tag goes.
type SectorVitals struct {
	HasLastTag     bool
	LastTagAddress uint32
}

// SectorStats summarizes one sector's tag population.
type SectorStats struct {
	NumCleanTags   uint32
	NumDirtyTags   uint32
	NumInsaneTags  uint32
	CleanTagBytes  uint32
	UncleanTagBytes uint32
	FreeSpaceBytes uint32
}

// SpaceStats aggregates SectorStats across every sector in a space. The
// RampNM, ThresholdNM and GarbageRatioNM fields are not filled in by
// availableRoomStats or by the asymptotic scoring in gc.go; they stay zero.
type SpaceStats struct {
	FreeSpace                 uint32
	TotalCleanBytes           uint32
	TotalUncleanBytes         uint32
	RampNM                    uint32
	ThresholdNM               uint32
	GarbageRatioNM            uint32
	MaxUncleanTagSectorNumber uint16 // noSector if no sector has unclean bytes
}
