package lot

import (
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

func (t *Tree) allocNear(near *types.PageID) (types.PageID, error) {
	vol, err := t.volume()
	if err != nil {
		return types.PageID{}, err
	}
	pids, err := vol.AllocTrains(near, t.eff, 1, 1, t.pool.TrainSize())
	if err != nil {
		return types.PageID{}, err
	}
	pid := pids[0]
	pid.VolNo = t.volNo
	return pid, nil
}

// SeparateRootNode migrates the embedded root to a standalone page,
// grounded directly in lot_SeparateRootNode.c: allocate a new page near
// the file's first extent with the file's fill factor, copy the embedded
// header and entries across, mark dirty, unpin. After this call Root is
// cleared and RootPID names the new page; Tree's own operations call this
// automatically once embeddedRootCapacity is exceeded, but it is exposed
// directly too since spec.md names it as its own operation.
func (t *Tree) SeparateRootNode() (types.PageID, error) {
	if t.Separated() {
		return t.RootPID, errs.New("lot.SeparateRootNode", errs.BadParameter)
	}

	firstExt := types.PageID{VolNo: t.volNo, PageNo: t.fileID.Serial}
	newPID, err := t.allocNear(&firstExt)
	if err != nil {
		return types.PageID{}, err
	}

	f, err := t.pool.GetNewTrain(newPID, 1)
	if err != nil {
		return types.PageID{}, err
	}
	p := page.New(f.Data(), page.TypeLOTNode, newPID)
	p.SetLevel(t.Root.Height)
	for _, e := range t.Root.Entries {
		if _, err := p.Append(page.EncodeLOTNode(e)); err != nil {
			f.Release()
			return types.PageID{}, err
		}
	}
	f.SetDirty()
	f.Release()

	log.Info().Uint32("vol", uint32(newPID.VolNo)).Uint32("page", newPID.PageNo).
		Msg("lot root separated to standalone page")

	t.RootPID = newPID
	t.Root = RootNode{}
	return newPID, nil
}
