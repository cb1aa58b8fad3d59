package nvmstore_test

import (
	"context"
	"testing"

	"github.com/nvmtag/store/pkg/flashdriver"
	"github.com/nvmtag/store/pkg/flashmock"
	"github.com/nvmtag/store/pkg/nvmstore"
	"github.com/nvmtag/store/pkg/platform"
	"github.com/stretchr/testify/require"
)

// preloadHarness builds an Image/Driver pair without running Init, writes
// raw bytes directly at sector 0's start plus the RESERVED offset (applied
// here, not by the caller), and returns the Store ready for the test to
// call Init on.
func preloadHarness(t *testing.T, numSectors uint16, sectorLength uint32, maxTags uint16, preload []byte) (*nvmstore.Store, *flashmock.Image) {
	t.Helper()

	desc := platform.NewStatic(map[flashdriver.Space]platform.SpaceEntry{
		testSpace: {
			SpaceDesc: platform.SpaceDesc{
				StartAddress:    0,
				SectorLength:    sectorLength,
				NumberOfSectors: numSectors,
			},
			MaxTagNumber: maxTags,
		},
	})

	img, err := flashmock.NewImage(desc)
	require.NoError(t, err)

	driver := flashmock.NewDriver(img)
	raw, err := driver.Map(testSpace)
	require.NoError(t, err)
	copy(raw[16:], preload) // offset 16 = past the bottom reserved region

	st := nvmstore.New(desc, driver, nil)
	return st, img
}

// Scenario: a tag header was written and HEADER_WRITTEN/DATA_WRITTEN were
// never flipped (status byte still 0xFF) before the crash.
func Test_Init_Repairs_Interrupted_Partial_Header(t *testing.T) {
	preload := []byte{0xA5, 0xFF, 0x00, 0x01, 0x00, 0x01, 0x00, 0x03, 0xFF, 0xFF, 0xFF, 0xFF}
	st, _ := preloadHarness(t, 1, 8192, 4, preload)
	ctx := context.Background()

	require.NoError(t, st.Init(ctx, true))

	_, ok := st.ReadTag(testSpace, 1)
	require.False(t, ok)

	require.False(t, st.SanityCheckSector(testSpace, 0))

	require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte{1, 2, 3}))
	data, ok := st.ReadTag(testSpace, 1)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, data)
}

// Scenario: HEADER_WRITTEN is set and the payload bytes are present, but
// DATA_WRITTEN never got flipped before the crash.
func Test_Init_Repairs_Interrupted_Payload_Pending(t *testing.T) {
	preload := []byte{0xA5, 0xFE, 0x00, 0x01, 0x00, 0x01, 0x00, 0x03, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB, 0xCC}
	st, _ := preloadHarness(t, 1, 8192, 4, preload)
	ctx := context.Background()

	require.NoError(t, st.Init(ctx, true))

	_, ok := st.ReadTag(testSpace, 1)
	require.False(t, ok)

	require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte{1, 2, 3}))
	data, ok := st.ReadTag(testSpace, 1)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, data)
}

// Scenario: a sector with one clean + many dirty tags gets its first 32
// bytes reset to 0xFF, simulating an erase interrupted right after it
// started. Init must detect this and finish driving the sector fresh.
func Test_Init_Detects_Interrupted_Erase(t *testing.T) {
	st, img := newHarness(t, 2, 8192, 4)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte{byte(i)}))
	}

	driver := flashmock.NewDriver(img)
	mapped, err := driver.Map(testSpace)
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		mapped[i] = 0xFF
	}

	require.NoError(t, st.Init(ctx, true))

	require.True(t, st.SanityCheckSector(testSpace, 0))
}
