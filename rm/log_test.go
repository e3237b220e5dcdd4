package rm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/rdsm"
	"github.com/odysseus-cosmos/storage-core/types"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	table := rdsm.NewTable()
	dev := rdsm.NewMemDevice()
	l, err := FormatLogVolume(table, []rdsm.Device{dev}, "rm-test-log", 16, []uint32{1024}, 8)
	require.NoError(t, err)
	return l
}

func TestSaveTrainAllocatesPageSizedFromLowEnd(t *testing.T) {
	l := newTestLog(t)
	trainID := types.TrainID{VolNo: 1, PageNo: 100}
	buf := bytes.Repeat([]byte{0x11}, rdsm.PageSize)

	require.NoError(t, l.SaveTrain(trainID, buf, 1))

	pid, ok := l.Lookup(trainID)
	require.True(t, ok)
	require.Equal(t, uint32(1), pid.PageNo)
}

func TestSaveTrainAllocatesTrainSizedFromHighEnd(t *testing.T) {
	l := newTestLog(t)
	trainID := types.TrainID{VolNo: 1, PageNo: 200}
	buf := bytes.Repeat([]byte{0x22}, rdsm.PageSize*8)

	require.NoError(t, l.SaveTrain(trainID, buf, 8))

	pid, ok := l.Lookup(trainID)
	require.True(t, ok)
	require.Equal(t, uint32(1024-1-8), pid.PageNo)
}

func TestSaveTrainOverwritesExistingMapping(t *testing.T) {
	l := newTestLog(t)
	trainID := types.TrainID{VolNo: 1, PageNo: 100}
	first := bytes.Repeat([]byte{0x11}, rdsm.PageSize)
	second := bytes.Repeat([]byte{0x33}, rdsm.PageSize)

	require.NoError(t, l.SaveTrain(trainID, first, 1))
	pidBefore, _ := l.Lookup(trainID)

	require.NoError(t, l.SaveTrain(trainID, second, 1))
	pidAfter, _ := l.Lookup(trainID)

	require.Equal(t, pidBefore, pidAfter)
}

func TestApplySkipsRecordOlderThanPageLSN(t *testing.T) {
	buf := make([]byte, rdsm.PageSize)
	pid := types.PageID{VolNo: 1, PageNo: 5}
	p := page.New(buf, page.TypeOverflow, pid)
	p.SetLSN(10)

	handlers := DefaultHandlers()
	rec := LogRecord{
		LSN:    5,
		PageID: pid,
		Op:     OpInsertOidIntoOverflow,
		OID:    types.ObjectID{VolNo: 1, PageNo: 1, SlotNo: 1, UniqueID: 1},
	}
	require.NoError(t, Apply(handlers, p, rec))
	require.Equal(t, uint16(0), p.NSlots())
}

func TestApplyInsertOidIntoOverflowAppendsAndStampsLSN(t *testing.T) {
	buf := make([]byte, rdsm.PageSize)
	pid := types.PageID{VolNo: 1, PageNo: 5}
	p := page.New(buf, page.TypeOverflow, pid)

	handlers := DefaultHandlers()
	oid := types.ObjectID{VolNo: 1, PageNo: 9, SlotNo: 2, UniqueID: 42}
	rec := LogRecord{LSN: 7, PageID: pid, Op: OpInsertOidIntoOverflow, OID: oid}

	require.NoError(t, Apply(handlers, p, rec))
	require.Equal(t, uint16(1), p.NSlots())
	require.Equal(t, uint64(7), p.LSN())
	require.Equal(t, oid, types.DecodeObjectID(p.Slot(0)))

	// Replaying the same record is a no-op now that the page's LSN is current.
	require.NoError(t, Apply(handlers, p, rec))
	require.Equal(t, uint16(1), p.NSlots())
}
