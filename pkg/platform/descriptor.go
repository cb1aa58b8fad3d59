// Package platform describes the static flash layout the tag engine runs
// against: which sectors belong to which space, and how many tags a space
// may hold. It deliberately carries none of the engine's mutable runtime
// state (vitals, stats, the latest-version index) - that lives on
// nvmstore.Store, the same way pkg/slotcache.Cache owns its own state
// rather than fetching it through an injected accessor.
package platform

import (
	"fmt"

	"github.com/nvmtag/store/pkg/flashdriver"
)

// SpaceDesc describes the sectors assigned to one space.
type SpaceDesc struct {
	StartAddress    uint32
	SectorLength    uint32
	NumberOfSectors uint16
}

// Descriptor is the read-only platform contract the engine consumes.
type Descriptor interface {
	// Spaces lists every space this platform knows about.
	Spaces() []flashdriver.Space

	// SpaceDesc returns the sector layout for space, or an error if space
	// is not one of Spaces().
	SpaceDesc(space flashdriver.Space) (SpaceDesc, error)

	// MaxTagNumber returns the highest legal tag number for space.
	MaxTagNumber(space flashdriver.Space) (uint16, error)
}

// ErrUnknownSpace is returned by Descriptor implementations when asked about
// a space they were not configured with.
type ErrUnknownSpace struct {
	Space flashdriver.Space
}

func (e *ErrUnknownSpace) Error() string {
	return fmt.Sprintf("platform: unknown space %d", e.Space)
}

// Static is the simplest Descriptor: an in-memory table built once, usually
// from a descriptor file read by LoadFile (see config.go). It performs no
// I/O.
type Static struct {
	order   []flashdriver.Space
	descs   map[flashdriver.Space]SpaceDesc
	maxTags map[flashdriver.Space]uint16
}

// NewStatic builds a Static descriptor from a set of per-space entries.
func NewStatic(entries map[flashdriver.Space]SpaceEntry) *Static {
	s := &Static{
		descs:   make(map[flashdriver.Space]SpaceDesc, len(entries)),
		maxTags: make(map[flashdriver.Space]uint16, len(entries)),
	}
	for space, entry := range entries {
		s.order = append(s.order, space)
		s.descs[space] = entry.SpaceDesc
		s.maxTags[space] = entry.MaxTagNumber
	}
	return s
}

// SpaceEntry bundles the two facts a space needs in a Static descriptor.
type SpaceEntry struct {
	SpaceDesc    SpaceDesc
	MaxTagNumber uint16
}

func (s *Static) Spaces() []flashdriver.Space { return append([]flashdriver.Space(nil), s.order...) }

func (s *Static) SpaceDesc(space flashdriver.Space) (SpaceDesc, error) {
	d, ok := s.descs[space]
	if !ok {
		return SpaceDesc{}, &ErrUnknownSpace{Space: space}
	}
	return d, nil
}

func (s *Static) MaxTagNumber(space flashdriver.Space) (uint16, error) {
	n, ok := s.maxTags[space]
	if !ok {
		return 0, &ErrUnknownSpace{Space: space}
	}
	return n, nil
}
