package lot

import (
	"github.com/odysseus-cosmos/storage-core/types"
)

// Destroy frees every page backing the object: its data pages and, if the
// root was separated, every node page. It is the LOT counterpart to
// btm.DropIndex, used when the owning catalog entry is removed.
func (t *Tree) Destroy() error {
	if !t.Separated() {
		for _, e := range t.Root.Entries {
			if err := t.freeDataPage(e.Child); err != nil {
				return err
			}
		}
		t.Root = RootNode{}
		return nil
	}

	if err := t.freeNodeSubtree(t.RootPID); err != nil {
		return err
	}
	t.RootPID = types.PageID{}
	return nil
}

func (t *Tree) freeNodeSubtree(pid types.PageID) error {
	pf, p, err := t.fetchPage(pid)
	if err != nil {
		return err
	}
	level := p.Level()
	entries := decodeNodeEntries(p)
	pf.Release()

	for _, e := range entries {
		if level == 1 {
			if err := t.freeDataPage(e.Child); err != nil {
				return err
			}
		} else if err := t.freeNodeSubtree(e.Child); err != nil {
			return err
		}
	}
	return t.freeDataPage(pid)
}
