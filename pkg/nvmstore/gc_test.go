package nvmstore_test

import (
	"context"
	"testing"

	"github.com/nvmtag/store/pkg/nvmstore"
	"github.com/stretchr/testify/require"
)

func Test_GarbageCollectNoErase_Reports_ErrNoSectorQualifies_On_Fresh_Store(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)

	_, err := st.GarbageCollectNoErase(context.Background(), testSpace, nvmstore.ScoreUncleanThreshold)
	require.ErrorIs(t, err, nvmstore.ErrNoSectorQualifies)
}

func Test_GarbageCollectNoErase_ScoreMostUnclean_Picks_Dirtiest_Sector_Unconditionally(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)
	ctx := context.Background()

	// A single dirty tag anywhere is enough for SCORE_MOST_UNCLEAN, which
	// applies no threshold gate.
	require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte("a")))
	require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte("b")))

	sector, err := st.GarbageCollectNoErase(ctx, testSpace, nvmstore.ScoreMostUnclean)
	require.NoError(t, err)
	require.Equal(t, uint16(0), sector)
}

func Test_Reclaim_Then_Erase_Roundtrip_Preserves_Latest_Version(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte{byte(i)}))
	}

	infoBefore, ok := st.LatestTagInfo(testSpace, 1)
	require.True(t, ok)

	sector, err := st.GarbageCollectNoErase(ctx, testSpace, nvmstore.ScoreMostUnclean)
	require.NoError(t, err)

	require.NoError(t, st.EraseIfNeeded(ctx, testSpace))
	require.True(t, st.SanityCheckSector(testSpace, sector))

	data, ok := st.ReadTag(testSpace, 1)
	require.True(t, ok)
	require.Equal(t, []byte{49}, data)

	infoAfter, ok := st.LatestTagInfo(testSpace, 1)
	require.True(t, ok)
	require.Equal(t, infoBefore.Version, infoAfter.Version)
}

func Test_EraseSectorForeground_Leaves_Sector_Sane(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)
	ctx := context.Background()

	require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte("x")))

	sector, err := st.GarbageCollectNoErase(ctx, testSpace, nvmstore.ScoreMostUnclean)
	require.NoError(t, err)

	require.NoError(t, st.EraseSectorForeground(ctx, testSpace, sector))
	require.True(t, st.SanityCheckSector(testSpace, sector))
}

func Test_BackgroundEraseCompleteCallback_Is_Unimplemented(t *testing.T) {
	st, _ := newHarness(t, 1, 8192, 4)

	err := st.BackgroundEraseCompleteCallback(context.Background(), testSpace, 0)
	require.ErrorIs(t, err, nvmstore.ErrNotImplemented)
}
