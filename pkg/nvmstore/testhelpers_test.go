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

const testSpace = flashdriver.Space(1)

// newHarness builds a Store over a fresh flashmock.Image with one space of
// numSectors sectors of sectorLength bytes each, per spec.md's note that
// unit tests use 8 KiB sectors rather than the 16 KiB a real part would
// carry. maxTags bounds the tag-number range the space will accept.
func newHarness(t *testing.T, numSectors uint16, sectorLength uint32, maxTags uint16) (*nvmstore.Store, *flashmock.Image) {
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
	st := nvmstore.New(desc, driver, nil)

	require.NoError(t, st.Init(context.Background(), true))

	return st, img
}
