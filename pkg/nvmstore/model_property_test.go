package nvmstore_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nvmtag/store/pkg/nvmstore"
	"github.com/nvmtag/store/pkg/nvmstore/model"
	"github.com/stretchr/testify/require"
)

// This file contains the state-model property test: identical operation
// sequences are applied to a deliberately simple in-memory model and to a
// real Store backed by flashmock, with results and observable state
// diffed via go-cmp after every step. It is grounded on
// pkg/slotcache/state_model_property_test.go's seedCount/opsPerSeed
// convention, adapted to this package's operation set (WriteTag, ReadTag,
// LatestTagInfo, GarbageCollectNoErase, EraseIfNeeded, TotalReset).
//
// This is not an on-disk-format compliance test: the model has no notion
// of sectors, placement, or garbage collection at all, because none of it
// is observable through the query API being modeled.

const (
	modelNumSectors   = 4
	modelSectorLength = 2048
	modelMaxTags      = 6
)

func Test_Store_Matches_Model_Property(t *testing.T) {
	seedCount := 20
	opsPerSeed := 150

	for i := 0; i < seedCount; i++ {
		seed := int64(i + 1)

		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			st, _ := newHarness(t, modelNumSectors, modelSectorLength, modelMaxTags)
			m := model.New()
			ctx := context.Background()

			rng := rand.New(rand.NewSource(seed))

			for op := 0; op < opsPerSeed; op++ {
				switch rng.Intn(6) {
				case 0, 1, 2:
					tag := uint16(rng.Intn(modelMaxTags) + 1)
					data := randPayload(rng)

					realErr := st.WriteTag(ctx, testSpace, tag, data)
					if realErr != nil {
						// WriteTag only fails when no sector has room; the
						// harness's sector budget is generous enough that a
						// real failure here is unexpected.
						t.Fatalf("WriteTag(%d) unexpected error: %v", tag, realErr)
					}
					m.WriteTag(tag, data)

				case 3:
					tag := uint16(rng.Intn(modelMaxTags) + 1)
					mData, mOK := m.ReadTag(tag)
					rData, rOK := st.ReadTag(testSpace, tag)
					require.Equalf(t, mOK, rOK, "ReadTag(%d) ok mismatch", tag)
					if mOK {
						require.Truef(t, cmp.Equal(mData, rData), "ReadTag(%d) payload mismatch: %s", tag, cmp.Diff(mData, rData))
					}

				case 4:
					_, err := st.GarbageCollectNoErase(ctx, testSpace, nvmstore.ScoreAsymptotic)
					require.Truef(t, err == nil || err == nvmstore.ErrNoSectorQualifies, "unexpected GC error: %v", err)
					require.NoError(t, st.EraseIfNeeded(ctx, testSpace))

				case 5:
					tag := uint16(rng.Intn(modelMaxTags) + 1)
					mVersion, mOK := m.LatestVersion(tag)
					info, rOK := st.LatestTagInfo(testSpace, tag)
					require.Equalf(t, mOK, rOK, "LatestTagInfo(%d) ok mismatch", tag)
					if mOK {
						require.Equalf(t, mVersion, info.Version, "LatestTagInfo(%d) version mismatch", tag)
					}
				}

				compareAllTags(t, m, st)
			}
		})
	}
}

// Test_Store_Matches_Model_Across_Reset exercises TotalReset+Init
// interleaved with writes, since a reset wipes every tag's latest version
// back to the same wrap-around starting point the model uses.
func Test_Store_Matches_Model_Across_Reset(t *testing.T) {
	st, _ := newHarness(t, modelNumSectors, modelSectorLength, modelMaxTags)
	m := model.New()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 3; round++ {
		for i := 0; i < 20; i++ {
			tag := uint16(rng.Intn(modelMaxTags) + 1)
			data := randPayload(rng)
			require.NoError(t, st.WriteTag(ctx, testSpace, tag, data))
			m.WriteTag(tag, data)
		}

		compareAllTags(t, m, st)

		require.NoError(t, st.TotalReset(ctx, testSpace))
		require.NoError(t, st.Init(ctx, true))
		m.Reset()

		compareAllTags(t, m, st)
	}
}

func compareAllTags(t *testing.T, m *model.Store, st *nvmstore.Store) {
	t.Helper()
	for tag := uint16(1); tag <= modelMaxTags; tag++ {
		mData, mOK := m.ReadTag(tag)
		rData, rOK := st.ReadTag(testSpace, tag)
		require.Equalf(t, mOK, rOK, "tag %d: presence mismatch", tag)
		if mOK {
			require.Truef(t, cmp.Equal(mData, rData), "tag %d: payload mismatch: %s", tag, cmp.Diff(mData, rData))
		}

		mVersion, _ := m.LatestVersion(tag)
		info, infoOK := st.LatestTagInfo(testSpace, tag)
		require.Equalf(t, mOK, infoOK, "tag %d: LatestTagInfo presence mismatch", tag)
		if mOK {
			require.Equalf(t, mVersion, info.Version, "tag %d: version mismatch", tag)
		}
	}
}

func randPayload(rng *rand.Rand) []byte {
	n := rng.Intn(24) + 1
	data := make([]byte, n)
	rng.Read(data) //nolint:errcheck // math/rand.Rand.Read never errors
	return data
}
