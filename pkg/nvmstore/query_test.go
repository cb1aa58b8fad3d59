package nvmstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_TotalReset_Roundtrip(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)
	ctx := context.Background()

	require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte{1, 2, 3, 4, 5}))

	data, ok := st.ReadTag(testSpace, 1)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, data)

	info, ok := st.LatestTagInfo(testSpace, 1)
	require.True(t, ok)
	require.NotZero(t, info.Version)

	require.NoError(t, st.TotalReset(ctx, testSpace))
	require.NoError(t, st.Init(ctx, true))

	_, ok = st.ReadTag(testSpace, 1)
	require.False(t, ok)
}

func Test_NVersions_All_Returns_Every_Clean_And_Dirty_Occurrence(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte{byte(i)}))
	}

	refs, ok := st.NVersions(testSpace, 1, 0, 0, 0)
	require.True(t, ok)
	require.Len(t, refs, 5)

	var dirty, clean int
	for _, r := range refs {
		if r.Dirty {
			dirty++
		} else {
			clean++
		}
	}
	require.Equal(t, 4, dirty)
	require.Equal(t, 1, clean)
}

func Test_NVersions_Unwritten_Tag_Returns_Empty(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)

	refs, ok := st.NVersions(testSpace, 2, 0, 0, 0)
	require.True(t, ok)
	require.Empty(t, refs)
}

func Test_SanityCheckSector_Fresh_Sector_Is_Sane(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)
	require.True(t, st.SanityCheckSector(testSpace, 0))
	require.True(t, st.SanityCheckSector(testSpace, 1))
}

func Test_SanityCheckSector_Out_Of_Range_Reports_False(t *testing.T) {
	st, _ := newHarness(t, 2, 8192, 4)
	require.False(t, st.SanityCheckSector(testSpace, 5))
}
