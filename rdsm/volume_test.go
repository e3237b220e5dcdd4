package rdsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odysseus-cosmos/storage-core/errs"
)

// E1: format a 1-device volume with 16-page extents and 1024 pages, mount,
// allocate 8 single pages, free them, re-allocate 8 and expect the same
// page numbers (spec.md §8 E1 / round-trip law).
func TestFormatMountAllocFreeRoundTrip(t *testing.T) {
	dev := NewMemDevice()
	vol, err := Format([]Device{dev}, "e1-data", 16, []uint32{1024}, false)
	require.NoError(t, err)

	table := NewTable()
	volNo, err := table.Mount(vol)
	require.NoError(t, err)
	require.NotZero(t, volNo)

	freeBefore := vol.FreePageCount()

	pids, err := vol.AllocTrains(nil, 0.9, 8, 1, 8)
	require.NoError(t, err)
	require.Len(t, pids, 8)

	require.NoError(t, vol.FreeTrains(pids, 1))
	require.Equal(t, freeBefore, vol.FreePageCount())

	pids2, err := vol.AllocTrains(nil, 0.9, 8, 1, 8)
	require.NoError(t, err)
	require.Equal(t, pids, pids2)

	require.NoError(t, table.Dismount(volNo))
}

func TestAllocTrainsRejectsInvalidSize(t *testing.T) {
	dev := NewMemDevice()
	vol, err := Format([]Device{dev}, "bad-size", 16, []uint32{256}, false)
	require.NoError(t, err)

	_, err = vol.AllocTrains(nil, 1.0, 1, 3, 8)
	require.Error(t, err)
	require.Equal(t, errs.InvalidTrainSize, errs.CodeOf(err))
}

func TestAllocTrainsDeviceFull(t *testing.T) {
	dev := NewMemDevice()
	vol, err := Format([]Device{dev}, "small", 4, []uint32{8}, false)
	require.NoError(t, err)

	_, err = vol.AllocTrains(nil, 1.0, 3, 1, 8)
	require.NoError(t, err)

	_, err = vol.AllocTrains(nil, 1.0, 100, 1, 8)
	require.Error(t, err)
}

func TestWriteReadTrainRoundTrip(t *testing.T) {
	dev := NewMemDevice()
	vol, err := Format([]Device{dev}, "rw", 16, []uint32{256}, false)
	require.NoError(t, err)

	pids, err := vol.AllocTrains(nil, 1.0, 1, 1, 8)
	require.NoError(t, err)

	payload := make([]byte, PageSize)
	copy(payload, []byte("hello world"))
	require.NoError(t, vol.WriteTrain(pids[0], payload, 1, 8))

	out := make([]byte, PageSize)
	require.NoError(t, vol.ReadTrain(pids[0], out, 1, 8))
	require.Equal(t, payload, out)
}

func TestPageIDToExtNo(t *testing.T) {
	dev := NewMemDevice()
	vol, err := Format([]Device{dev}, "ext", 16, []uint32{256}, false)
	require.NoError(t, err)

	extNo, err := vol.PageIDToExtNo(17)
	require.NoError(t, err)
	require.Equal(t, uint32(1), extNo)

	_, err = vol.PageIDToExtNo(9999)
	require.Error(t, err)
}

func TestFormatLogVolumeCursors(t *testing.T) {
	dev := NewMemDevice()
	vol, err := Format([]Device{dev}, "log", 16, []uint32{1024}, true)
	require.NoError(t, err)

	require.True(t, vol.PageNoToAllocForPage < vol.PageNoToAllocForTrain)
}

func TestDeviceForUnknownExtent(t *testing.T) {
	dev := NewMemDevice()
	vol, err := Format([]Device{dev}, "x", 16, []uint32{32}, false)
	require.NoError(t, err)
	_, _, err = vol.deviceFor(100000)
	require.Error(t, err)
}

func TestReadHeaderReportsFormattedVolume(t *testing.T) {
	dev := NewMemDevice()
	_, err := Format([]Device{dev}, "e1-data", 16, []uint32{1024}, false)
	require.NoError(t, err)

	info, err := ReadHeader(dev)
	require.NoError(t, err)
	require.Equal(t, "e1-data", info.Title)
	require.Equal(t, uint32(16), info.ExtentSize)
	require.Equal(t, uint32(64), info.NumExtents)
	require.Equal(t, uint16(1), info.NumDevices)
	require.False(t, info.IsLog)
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	dev := NewMemDevice()
	_, err := dev.WriteAt(make([]byte, headerSize), 0)
	require.NoError(t, err)

	_, err = ReadHeader(dev)
	require.Error(t, err)
}
