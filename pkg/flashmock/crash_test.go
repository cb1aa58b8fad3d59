package flashmock_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvmtag/store/pkg/flashdriver"
	"github.com/nvmtag/store/pkg/flashmock"
	"github.com/nvmtag/store/pkg/platform"
	"github.com/stretchr/testify/require"
)

const testSpace = flashdriver.Space(1)

func testDescriptor() platform.Descriptor {
	return platform.NewStatic(map[flashdriver.Space]platform.SpaceEntry{
		testSpace: {
			SpaceDesc:    platform.SpaceDesc{StartAddress: 0, SectorLength: 256, NumberOfSectors: 2},
			MaxTagNumber: 4,
		},
	})
}

func Test_Driver_Write_Rejects_Zero_To_One_Transition(t *testing.T) {
	img, err := flashmock.NewImage(testDescriptor())
	require.NoError(t, err)
	driver := flashmock.NewDriver(img)
	ctx := context.Background()

	require.NoError(t, driver.Write(ctx, 0, []byte{0x00}))
	err = driver.Write(ctx, 0, []byte{0x01})
	require.ErrorIs(t, err, flashmock.ErrZeroToOneWrite)
}

func Test_Driver_Erase_Resets_Sector_To_All_Ones(t *testing.T) {
	img, err := flashmock.NewImage(testDescriptor())
	require.NoError(t, err)
	driver := flashmock.NewDriver(img)
	ctx := context.Background()

	require.NoError(t, driver.Write(ctx, 0, []byte{0x00, 0x00}))
	require.NoError(t, driver.Erase(ctx, testSpace, 0))

	raw, err := driver.Map(testSpace)
	require.NoError(t, err)
	require.Equal(t, byte(0xFF), raw[0])
	require.Equal(t, byte(0xFF), raw[1])
}

func Test_Crash_Truncates_Write_At_Configured_Call(t *testing.T) {
	img, err := flashmock.NewImage(testDescriptor())
	require.NoError(t, err)
	driver := flashmock.NewDriver(img)
	crash := flashmock.WithFailpoint(driver, flashmock.Failpoint{Op: flashmock.OpWrite, AtCall: 2, TruncateBytes: 1})
	ctx := context.Background()

	require.NoError(t, crash.Write(ctx, 0, []byte{0x00, 0x00}))

	err = crash.Write(ctx, 4, []byte{0x00, 0x00})
	require.ErrorIs(t, err, flashmock.ErrSimulatedCrash)

	raw, err := driver.Map(testSpace)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), raw[4])
	require.Equal(t, byte(0xFF), raw[5])
}

func Test_SaveSnapshot_LoadSnapshot_Roundtrip(t *testing.T) {
	img, err := flashmock.NewImage(testDescriptor())
	require.NoError(t, err)
	driver := flashmock.NewDriver(img)
	ctx := context.Background()

	require.NoError(t, driver.Write(ctx, 0, []byte{0x12, 0x34}))

	path := filepath.Join(t.TempDir(), "snapshot.bin")
	require.NoError(t, flashmock.SaveSnapshot(img, testSpace, path))

	_, err = os.Stat(path)
	require.NoError(t, err)

	img2, err := flashmock.NewImage(testDescriptor())
	require.NoError(t, err)
	require.NoError(t, flashmock.LoadSnapshot(img2, testSpace, path))

	driver2 := flashmock.NewDriver(img2)
	raw, err := driver2.Map(testSpace)
	require.NoError(t, err)
	require.Equal(t, byte(0x12), raw[0])
	require.Equal(t, byte(0x34), raw[1])
}
