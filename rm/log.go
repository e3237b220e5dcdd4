// Package rm implements the recovery manager (C6): saving before-update
// copies of trains to a log volume and redoing logged operations against a
// page during restart or crash recovery.
//
// Grounded in RM_SaveTrain.c and SM_FormatLogVolume.c (original_source);
// the log volume's two-cursor allocation scheme (page-sized saves grow up
// from the low end, train-sized saves grow down from the high end) is
// carried directly on rdsm.Volume (PageNoToAllocForPage/
// PageNoToAllocForTrain, set by rdsm.Format's isLog path) since it is
// itself just another volume's allocation state, not something rm needs
// to duplicate.
package rm

import (
	"sync"

	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/logging"
	"github.com/odysseus-cosmos/storage-core/rdsm"
	"github.com/odysseus-cosmos/storage-core/types"
)

var log = logging.Component("rm")

// FormatLogVolume formats devs as a log volume and mounts it into table,
// grounded in SM_FormatLogVolume.c: RDsM_Format with the log volume's
// magic, followed by RM_FormatLogVolume's cursor initialization (here
// folded into rdsm.Format's isLog branch). trainSize is the data volume's
// configured train size in pages, carried for later SaveTrain calls.
func FormatLogVolume(table *rdsm.Table, devs []rdsm.Device, title string, extentSize uint32, pagesPerDevice []uint32, trainSize uint32) (*Log, error) {
	vol, err := rdsm.Format(devs, title, extentSize, pagesPerDevice, true)
	if err != nil {
		return nil, err
	}
	volNo, err := table.Mount(vol)
	if err != nil {
		return nil, err
	}
	log.Info().Uint32("vol", volNo).Str("title", title).Msg("log volume formatted")
	return Open(vol, uint16(volNo), trainSize), nil
}

// Log is the recovery manager's table mapping a data train's identity to
// where its most recently saved before-image lives on the log volume,
// grounded in RM_SaveTrain.c's rm_LookUpInLogTable/rm_InsertIntoLogTable.
type Log struct {
	mu        sync.Mutex
	vol       *rdsm.Volume
	volNo     uint16
	trainSize uint32
	table     map[types.TrainID]uint32 // TrainID -> logPageNo
}

// Open attaches to an already-formatted and mounted log volume.
func Open(vol *rdsm.Volume, volNo uint16, trainSize uint32) *Log {
	return &Log{vol: vol, volNo: volNo, trainSize: trainSize, table: make(map[types.TrainID]uint32)}
}

// SaveTrain saves buf (sizeOfTrain pages, identified by trainID on its
// data volume) to the log volume, line for line with RM_SaveTrain.c: on
// first save of this train, allocate from the low end of the log volume
// for a page-sized save or the high end for a train-sized save and record
// the mapping; on a later save of the same train, overwrite the existing
// log copy in place. Returns errs.LogVolumeFull if the two cursors would
// cross.
func (l *Log) SaveTrain(trainID types.TrainID, buf []byte, sizeOfTrain uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	logPageNo, ok := l.table[trainID]
	if !ok {
		if l.vol.PageNoToAllocForTrain < l.vol.PageNoToAllocForPage ||
			l.vol.PageNoToAllocForTrain-l.vol.PageNoToAllocForPage < sizeOfTrain {
			return errs.New("rm.SaveTrain", errs.LogVolumeFull)
		}

		if sizeOfTrain == 1 {
			logPageNo = l.vol.PageNoToAllocForPage
			l.vol.PageNoToAllocForPage += sizeOfTrain
		} else {
			l.vol.PageNoToAllocForTrain -= sizeOfTrain
			logPageNo = l.vol.PageNoToAllocForTrain
		}
		l.table[trainID] = logPageNo
	}

	pid := types.PageID{VolNo: l.volNo, PageNo: logPageNo}
	return l.vol.WriteTrainForLogVolume(pid, buf, sizeOfTrain, l.trainSize)
}

// Lookup reports the log volume page holding trainID's most recent saved
// copy, for restart code that needs to read it back.
func (l *Log) Lookup(trainID types.TrainID) (types.PageID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pageNo, ok := l.table[trainID]
	if !ok {
		return types.PageID{}, false
	}
	return types.PageID{VolNo: l.volNo, PageNo: pageNo}, true
}
