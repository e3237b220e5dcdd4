package bfm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odysseus-cosmos/storage-core/rdsm"
	"github.com/odysseus-cosmos/storage-core/types"
)

func mountTestVolume(t *testing.T, numPages uint32) (*rdsm.Table, uint32) {
	t.Helper()
	dev := rdsm.NewMemDevice()
	vol, err := rdsm.Format([]rdsm.Device{dev}, "bfm-test", 16, []uint32{numPages}, false)
	require.NoError(t, err)

	table := rdsm.NewTable()
	volNo, err := table.Mount(vol)
	require.NoError(t, err)
	return table, volNo
}

func TestGetNewTrainThenFlushRoundTrip(t *testing.T) {
	table, volNo := mountTestVolume(t, 256)
	vol, err := table.Volume(volNo)
	require.NoError(t, err)

	pids, err := vol.AllocTrains(nil, 1.0, 1, 1, 8)
	require.NoError(t, err)
	pid := pids[0]
	pid.VolNo = uint16(volNo)

	pool := NewPool(table, 4, 8)
	pf, err := pool.GetNewTrain(pid, 1)
	require.NoError(t, err)

	copy(pf.Data(), []byte("payload"))
	pf.SetDirty()
	pf.Release()

	require.NoError(t, pool.Flush(pid))

	out := make([]byte, rdsm.PageSize)
	require.NoError(t, vol.ReadTrain(pid, out, 1, 8))
	require.Equal(t, []byte("payload"), out[:7])
}

func TestGetTrainIsCachedOnSecondFetch(t *testing.T) {
	table, volNo := mountTestVolume(t, 256)
	vol, err := table.Volume(volNo)
	require.NoError(t, err)

	pids, err := vol.AllocTrains(nil, 1.0, 1, 1, 8)
	require.NoError(t, err)
	pid := pids[0]
	pid.VolNo = uint16(volNo)

	pool := NewPool(table, 4, 8)
	pf1, err := pool.GetNewTrain(pid, 1)
	require.NoError(t, err)
	copy(pf1.Data(), []byte("cached"))
	pf1.SetDirty()
	pf1.Release()

	pf2, err := pool.GetTrain(pid, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("cached"), pf2.Data()[:6])
	pf2.Release()

	require.NoError(t, pool.PinLeaks())
}

func TestPinLeakDetection(t *testing.T) {
	table, volNo := mountTestVolume(t, 256)
	vol, err := table.Volume(volNo)
	require.NoError(t, err)

	pids, err := vol.AllocTrains(nil, 1.0, 1, 1, 8)
	require.NoError(t, err)
	pid := pids[0]
	pid.VolNo = uint16(volNo)

	pool := NewPool(table, 4, 8)
	_, err = pool.GetNewTrain(pid, 1)
	require.NoError(t, err)

	require.Error(t, pool.PinLeaks())
}

func TestDismountFlushesDirtyFrames(t *testing.T) {
	table, volNo := mountTestVolume(t, 256)
	vol, err := table.Volume(volNo)
	require.NoError(t, err)

	pids, err := vol.AllocTrains(nil, 1.0, 1, 1, 8)
	require.NoError(t, err)
	pid := pids[0]
	pid.VolNo = uint16(volNo)

	pool := NewPool(table, 4, 8)
	pf, err := pool.GetNewTrain(pid, 1)
	require.NoError(t, err)
	copy(pf.Data(), []byte("dismount"))
	pf.SetDirty()
	pf.Release()

	require.NoError(t, pool.Dismount(volNo))

	out := make([]byte, rdsm.PageSize)
	require.NoError(t, vol.ReadTrain(pid, out, 1, 8))
	require.Equal(t, []byte("dismount"), out[:8])
}

func TestGetTrainUnknownVolumeErrors(t *testing.T) {
	table := rdsm.NewTable()
	pool := NewPool(table, 4, 8)

	_, err := pool.GetTrain(types.PageID{VolNo: 99, PageNo: 1}, 1)
	require.Error(t, err)
}

func TestFreeTrainUnknownPageErrors(t *testing.T) {
	table, volNo := mountTestVolume(t, 256)
	pool := NewPool(table, 4, 8)
	err := pool.FreeTrain(types.PageID{VolNo: uint16(volNo), PageNo: 1234})
	require.Error(t, err)
}
