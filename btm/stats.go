package btm

import (
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

// PageInfo describes one page visited by GetStatistics, grounded in
// BtM_GetStatistics.c's per-page {type, nSlots, free, unused} record.
type PageInfo struct {
	Type    page.Type
	NSlots  uint16
	Free    int
	Unused  uint16
}

// GetStatistics walks the tree depth-first, appending a PageInfo for every
// page visited (root first, leaves in key order), and fails once the
// caller's capacity is exhausted rather than growing the vector past it.
func (t *Tree) GetStatistics(capacity int) ([]PageInfo, error) {
	out := make([]PageInfo, 0, capacity)
	if err := t.walkStats(t.root, capacity, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree) walkStats(pid types.PageID, capacity int, out *[]PageInfo) error {
	pf, pg, err := t.fetchPage(pid)
	if err != nil {
		return err
	}

	if len(*out) >= capacity {
		pf.Release()
		return errs.New("btm.GetStatistics", errs.BadParameter)
	}
	*out = append(*out, PageInfo{
		Type:   pg.Type(),
		NSlots: pg.NSlots(),
		Free:   pg.FreeSpace(),
		Unused: pg.Garbage(),
	})

	if pg.Type() == page.TypeLeaf {
		children := make([]types.PageID, 0, pg.NSlots())
		for i := uint16(0); i < pg.NSlots(); i++ {
			if pg.SlotDeleted(i) {
				continue
			}
			rec := page.DecodeLeaf(pg.Slot(i))
			if !rec.Overflow.Zero() {
				children = append(children, rec.Overflow)
			}
		}
		pf.Release()
		for _, c := range children {
			if err := t.walkOverflowStats(c, capacity, out); err != nil {
				return err
			}
		}
		return nil
	}

	children := make([]types.PageID, 0, pg.NSlots())
	for i := uint16(0); i < pg.NSlots(); i++ {
		children = append(children, page.DecodeInternal(pg.Slot(i)).Child)
	}
	pf.Release()

	for _, c := range children {
		if err := t.walkStats(c, capacity, out); err != nil {
			return err
		}
	}
	return nil
}

// walkOverflowStats appends a PageInfo for headPID and every page linked
// after it via NextLink, the same chain Insert/Delete/Cursor walk for
// duplicate-key storage.
func (t *Tree) walkOverflowStats(headPID types.PageID, capacity int, out *[]PageInfo) error {
	pid := headPID
	for {
		of, err := t.pool.GetTrain(pid, 1)
		if err != nil {
			return err
		}
		op := page.Wrap(of.Data())

		if len(*out) >= capacity {
			of.Release()
			return errs.New("btm.GetStatistics", errs.BadParameter)
		}
		*out = append(*out, PageInfo{
			Type:   op.Type(),
			NSlots: op.NSlots(),
			Free:   op.FreeSpace(),
			Unused: op.Garbage(),
		})

		next := op.NextLink()
		of.Release()
		if next == 0 {
			return nil
		}
		pid = types.PageID{VolNo: headPID.VolNo, PageNo: next}
	}
}
