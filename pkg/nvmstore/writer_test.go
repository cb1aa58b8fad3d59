package nvmstore_test

import (
	"context"
	"testing"

	"github.com/nvmtag/store/pkg/nvmstore"
	"github.com/stretchr/testify/require"
)

func Test_WriteTag_Then_ReadTag_Returns_Exact_Payload(t *testing.T) {
	st, _ := newHarness(t, 4, 8192, 8)
	ctx := context.Background()

	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, st.WriteTag(ctx, testSpace, 1, payload))

	data, ok := st.ReadTag(testSpace, 1)
	require.True(t, ok)
	require.Equal(t, payload, data)
}

func Test_WriteTag_Repeated_Same_Tag_Increments_Version_Each_Time(t *testing.T) {
	// No garbage collection runs here, so the space must hold all 2000
	// 20-byte tags at once: an 8 KiB sector holds 406 of them.
	st, _ := newHarness(t, 8, 8192, 8)
	ctx := context.Background()

	for i := 0; i < 2000; i++ {
		payload := []byte{byte(i), byte(i), byte(i), byte(i), byte(i)}
		require.NoError(t, st.WriteTag(ctx, testSpace, 1, payload))

		data, ok := st.ReadTag(testSpace, 1)
		require.True(t, ok)
		require.Equal(t, payload, data)

		info, ok := st.LatestTagInfo(testSpace, 1)
		require.True(t, ok)
		require.EqualValues(t, i+1, info.Version)
	}
}

func Test_ReadTag_Unwritten_Tag_Reports_Not_Found(t *testing.T) {
	st, _ := newHarness(t, 4, 8192, 8)

	data, ok := st.ReadTag(testSpace, 3)
	require.False(t, ok)
	require.Nil(t, data)
}

func Test_WriteTag_Rejects_Tag_Number_Out_Of_Range(t *testing.T) {
	st, _ := newHarness(t, 4, 8192, 4)
	ctx := context.Background()

	err := st.WriteTag(ctx, testSpace, 0, []byte("x"))
	require.Error(t, err)

	err = st.WriteTag(ctx, testSpace, 5, []byte("x"))
	require.Error(t, err)
}

func Test_WriteTag_Marks_Prior_Version_Dirty(t *testing.T) {
	st, _ := newHarness(t, 4, 8192, 4)
	ctx := context.Background()

	require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte("first")))
	require.NoError(t, st.WriteTag(ctx, testSpace, 1, []byte("second")))

	refs, ok := st.NVersions(testSpace, 1, 0, 0, 0)
	require.True(t, ok)
	require.Len(t, refs, 2)

	var dirtyCount, cleanCount int
	for _, r := range refs {
		if r.Dirty {
			dirtyCount++
		} else {
			cleanCount++
		}
	}
	require.Equal(t, 1, dirtyCount)
	require.Equal(t, 1, cleanCount)
}

func Test_WriteTag_Returns_ErrNoRoom_When_No_Sector_Fits(t *testing.T) {
	st, _ := newHarness(t, 1, 64, 4)
	ctx := context.Background()

	// A single tiny sector: usable span is 64 - 2*16 - 16 = 16 bytes, just
	// enough for one empty-payload tag's 12-byte header rounded to 4. Force
	// exhaustion with a payload that cannot fit at all.
	err := st.WriteTag(ctx, testSpace, 1, make([]byte, 100))
	require.ErrorIs(t, err, nvmstore.ErrNoRoom)
}
