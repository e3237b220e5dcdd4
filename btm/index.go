package btm

import (
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

// DropIndex frees every page reachable from the root, including overflow
// chains, a post-order walk grounded in the teacher's page-free chaining
// through the volume's ALLOC page.
func (t *Tree) DropIndex() error {
	vol, err := t.pool.Volumes().Volume(uint32(t.volNo))
	if err != nil {
		return errs.Wrap("btm.DropIndex", errs.Internal, err)
	}
	return t.freeSubtree(vol, t.root)
}

func (t *Tree) freeSubtree(vol freer, pid types.PageID) error {
	pf, pg, err := t.fetchPage(pid)
	if err != nil {
		return err
	}

	if pg.Type() == page.TypeLeaf {
		var overflow []types.PageID
		for i := uint16(0); i < pg.NSlots(); i++ {
			if pg.SlotDeleted(i) {
				continue
			}
			rec := page.DecodeLeaf(pg.Slot(i))
			if !rec.Overflow.Zero() {
				overflow = append(overflow, rec.Overflow)
			}
		}
		pf.Release()
		for _, head := range overflow {
			ovPID := head
			for {
				of, err := t.pool.GetTrain(ovPID, 1)
				if err != nil {
					return err
				}
				next := page.Wrap(of.Data()).NextLink()
				of.Release()
				if err := vol.FreeTrains([]types.PageID{ovPID}, 1); err != nil {
					return err
				}
				if next == 0 {
					break
				}
				ovPID = types.PageID{VolNo: head.VolNo, PageNo: next}
			}
		}
		return vol.FreeTrains([]types.PageID{pid}, 1)
	}

	children := make([]types.PageID, 0, pg.NSlots())
	for i := uint16(0); i < pg.NSlots(); i++ {
		children = append(children, page.DecodeInternal(pg.Slot(i)).Child)
	}
	pf.Release()

	for _, c := range children {
		if err := t.freeSubtree(vol, c); err != nil {
			return err
		}
	}
	return vol.FreeTrains([]types.PageID{pid}, 1)
}

// freer is the minimal rdsm.Volume surface DropIndex needs, kept narrow
// so btm does not import rdsm's concrete type beyond what it uses.
type freer interface {
	FreeTrains(pids []types.PageID, size uint32) error
}
