// Package model holds a deliberately simple in-memory reference model of
// the tag store's publicly observable state: for each tag number, its
// latest payload and version, with no on-flash representation at all.
// Property tests apply an identical operation sequence to this model and
// to a real nvmstore.Store and diff the two with go-cmp, grounded on
// pkg/slotcache/model's "model the public API, not the wire format"
// approach.
package model

// VersionMin and VersionMaxSane mirror nvmstore's unexported version
// range so the model can reproduce the same wrap behavior without
// depending on the nvmstore package's internals.
const (
	VersionMin     = 1
	VersionMaxSane = 0xFFFC
)

// TagState is a model tag's observable state: the payload ReadTag would
// return and the version LatestTagInfo would report.
type TagState struct {
	Version uint16
	Data    []byte
}

// Store is the reference model: per-tag latest state, nothing else. It has
// no notion of sectors, placement, or garbage collection, because none of
// that is observable through the query API being modeled.
type Store struct {
	tags map[uint16]TagState
}

// New returns an empty model.
func New() *Store {
	return &Store{tags: make(map[uint16]TagState)}
}

// WriteTag applies the observable effect of nvmstore.Store.WriteTag:
// replace tagNumber's latest payload and bump its version, wrapping at
// VersionMaxSane back to VersionMin exactly as nvmstore's incrementVersion
// does.
func (m *Store) WriteTag(tagNumber uint16, data []byte) {
	cur := m.tags[tagNumber]

	next := VersionMin
	if cur.Version != 0 && cur.Version != VersionMaxSane {
		next = int(cur.Version) + 1
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	m.tags[tagNumber] = TagState{Version: uint16(next), Data: cp} //nolint:gosec // bounded by VersionMaxSane
}

// ReadTag mirrors nvmstore.Store.ReadTag: the latest payload for
// tagNumber, or ok=false if it was never written (or TotalReset since).
func (m *Store) ReadTag(tagNumber uint16) (data []byte, ok bool) {
	t, ok := m.tags[tagNumber]
	if !ok {
		return nil, false
	}
	return t.Data, true
}

// LatestVersion mirrors the Version field of nvmstore.Store.LatestTagInfo.
func (m *Store) LatestVersion(tagNumber uint16) (uint16, bool) {
	t, ok := m.tags[tagNumber]
	if !ok {
		return 0, false
	}
	return t.Version, true
}

// Reset mirrors nvmstore.Store.TotalReset: every tag reverts to never
// written.
func (m *Store) Reset() {
	m.tags = make(map[uint16]TagState)
}

// Snapshot returns a deep copy of every tag's current state, keyed by tag
// number, for go-cmp comparisons against the real store's observable state.
func (m *Store) Snapshot() map[uint16]TagState {
	out := make(map[uint16]TagState, len(m.tags))
	for k, v := range m.tags {
		cp := make([]byte, len(v.Data))
		copy(cp, v.Data)
		out[k] = TagState{Version: v.Version, Data: cp}
	}
	return out
}
