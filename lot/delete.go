package lot

import (
	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

// Delete removes the n bytes starting at offset, shifting everything past
// the deleted range left. It proceeds one data-page entry at a time,
// merging underfull node pages with a sibling exactly as btm's delete path
// does for B+-tree internal pages (same 40% threshold, merge-only, no
// redistribution).
func (t *Tree) Delete(offset, n int64) error {
	if n <= 0 {
		return nil
	}
	total, err := t.Len()
	if err != nil {
		return err
	}
	if offset < 0 || offset+n > total {
		return errs.New("lot.Delete", errs.BadParameter)
	}

	remaining := n
	for remaining > 0 {
		var taken int64
		var err error
		if !t.Separated() {
			taken, err = t.deleteEmbedded(offset, remaining)
		} else {
			taken, err = t.deleteSeparated(offset, remaining)
		}
		if err != nil {
			return err
		}
		remaining -= taken
	}
	return nil
}

func (t *Tree) deleteEmbedded(offset, remaining int64) (int64, error) {
	entries := t.Root.Entries
	idx, local := locate(entries, offset)
	overlap := remaining
	if avail := int64(entries[idx].Count) - local; overlap > avail {
		overlap = avail
	}

	if local == 0 && overlap == int64(entries[idx].Count) {
		if err := t.freeDataPage(entries[idx].Child); err != nil {
			return 0, err
		}
		t.Root.Entries = append(append([]page.LOTNodeRecord{}, entries[:idx]...), entries[idx+1:]...)
	} else {
		newLen, err := t.spliceDataPage(entries[idx].Child, local, overlap)
		if err != nil {
			return 0, err
		}
		t.Root.Entries[idx].Count = newLen
	}
	if len(t.Root.Entries) == 0 {
		t.Root.Height = 0
	}
	return overlap, nil
}

type lotPathEntry struct {
	frame *bfm.PinnedFrame
	page  *page.Page
	idx   uint16
}

// descendNode walks from pid down to the node whose entries reference data
// pages directly (Level()==1), returning the ancestors above it as path and
// that node (pinned) plus the entry index and local offset covering offset.
func (t *Tree) descendNode(pid types.PageID, offset int64) ([]lotPathEntry, *bfm.PinnedFrame, *page.Page, uint16, int64, error) {
	var path []lotPathEntry
	cur := pid
	for {
		f, p, err := t.fetchPage(cur)
		if err != nil {
			for _, e := range path {
				e.frame.Release()
			}
			return nil, nil, nil, 0, 0, err
		}
		entries := decodeNodeEntries(p)
		idx, local := locate(entries, offset)
		if p.Level() == 1 || len(entries) == 0 {
			return path, f, p, uint16(idx), local, nil
		}
		path = append(path, lotPathEntry{frame: f, page: p, idx: uint16(idx)})
		cur = entries[idx].Child
		offset = local
	}
}

func (t *Tree) deleteSeparated(offset, remaining int64) (int64, error) {
	path, lf, lp, lidx, local, err := t.descendNode(t.RootPID, offset)
	if err != nil {
		return 0, err
	}
	releaseAll := func() {
		lf.Release()
		for _, e := range path {
			e.frame.Release()
		}
	}

	entries := decodeNodeEntries(lp)
	if len(entries) == 0 {
		releaseAll()
		return 0, errs.New("lot.Delete", errs.Corruption).WithPage(lp.PageID().VolNo, lp.PageID().PageNo)
	}
	overlap := remaining
	if avail := int64(entries[lidx].Count) - local; overlap > avail {
		overlap = avail
	}

	removedEntry := false
	if local == 0 && overlap == int64(entries[lidx].Count) {
		if err := t.freeDataPage(entries[lidx].Child); err != nil {
			releaseAll()
			return 0, err
		}
		lp.RemoveAt(lidx)
		removedEntry = true
	} else {
		newLen, err := t.spliceDataPage(entries[lidx].Child, local, overlap)
		if err != nil {
			releaseAll()
			return 0, err
		}
		if _, err := lp.Replace(lidx, page.EncodeLOTNode(page.LOTNodeRecord{Child: entries[lidx].Child, Count: newLen})); err != nil {
			releaseAll()
			return 0, err
		}
	}
	lf.SetDirty()

	if !removedEntry || !underNodeThreshold(lp) {
		releaseAll()
		return overlap, nil
	}

	lf.Release()
	if err := t.rebalanceLOT(path, lp.PageID()); err != nil {
		return 0, err
	}
	return overlap, nil
}

// rebalanceLOT merges childPID's page with a same-parent sibling,
// propagating upward while each ancestor's occupancy stays below
// threshold, and collapses the root by one level if it ends up with a
// single entry. Mirrors btm.rebalance; see DESIGN.md for why this is a
// parallel implementation rather than a shared one.
func (t *Tree) rebalanceLOT(path []lotPathEntry, childPID types.PageID) error {
	for len(path) > 0 {
		top := path[len(path)-1]
		path = path[:len(path)-1]

		var siblingIdx uint16
		mergeRight := false
		if top.idx+1 < top.page.NSlots() {
			siblingIdx = top.idx + 1
			mergeRight = true
		} else if top.idx > 0 {
			siblingIdx = top.idx - 1
		} else {
			top.frame.Release()
			continue
		}

		leftIdx, rightIdx := top.idx, siblingIdx
		if !mergeRight {
			leftIdx, rightIdx = siblingIdx, top.idx
		}
		leftRec := page.DecodeLOTNode(top.page.Slot(leftIdx))
		rightRec := page.DecodeLOTNode(top.page.Slot(rightIdx))

		mergedSpan, err := t.mergeLOTNodes(leftRec.Child, rightRec.Child)
		if err != nil {
			top.frame.Release()
			return err
		}
		if _, err := top.page.Replace(leftIdx, page.EncodeLOTNode(page.LOTNodeRecord{Child: leftRec.Child, Count: mergedSpan})); err != nil {
			top.frame.Release()
			return err
		}
		top.page.RemoveAt(rightIdx)
		top.frame.SetDirty()

		parentIsRoot := len(path) == 0
		if parentIsRoot && top.page.NSlots() == 1 {
			t.RootPID = leftRec.Child
			top.frame.Release()
			log.Info().Uint32("newRoot", leftRec.Child.PageNo).Msg("lot root collapsed, tree shrank by one level")
			return nil
		}

		if !underNodeThreshold(top.page) {
			top.frame.Release()
			for _, e := range path {
				e.frame.Release()
			}
			return nil
		}

		childPID = top.page.PageID()
		top.frame.Release()
	}
	return nil
}

// mergeLOTNodes appends rightPID's entries onto leftPID's page and frees
// rightPID, returning the merged page's total span.
func (t *Tree) mergeLOTNodes(leftPID, rightPID types.PageID) (uint32, error) {
	lf, lp, err := t.fetchPage(leftPID)
	if err != nil {
		return 0, err
	}
	defer lf.Release()
	rf, rp, err := t.fetchPage(rightPID)
	if err != nil {
		return 0, err
	}
	defer rf.Release()

	span := sumNodeEntries(lp)
	for i := uint16(0); i < rp.NSlots(); i++ {
		if rp.SlotDeleted(i) {
			continue
		}
		rec := page.DecodeLOTNode(rp.Slot(i))
		if _, err := lp.Append(page.EncodeLOTNode(rec)); err != nil {
			return 0, err
		}
		span += rec.Count
	}
	lf.SetDirty()

	vol, err := t.volume()
	if err != nil {
		return 0, err
	}
	return span, vol.FreeTrains([]types.PageID{rightPID}, 1)
}

func (t *Tree) freeDataPage(pid types.PageID) error {
	vol, err := t.volume()
	if err != nil {
		return err
	}
	return vol.FreeTrains([]types.PageID{pid}, 1)
}

// spliceDataPage removes removeLen bytes starting at localOff from pid's
// content and returns the page's new used length.
func (t *Tree) spliceDataPage(pid types.PageID, localOff, removeLen int64) (uint32, error) {
	cur, err := t.readDataPage(pid)
	if err != nil {
		return 0, err
	}
	if localOff < 0 || removeLen < 0 || localOff+removeLen > int64(len(cur)) {
		return 0, errs.New("lot.spliceDataPage", errs.BadParameter)
	}
	merged := make([]byte, 0, len(cur)-int(removeLen))
	merged = append(merged, cur[:localOff]...)
	merged = append(merged, cur[localOff+removeLen:]...)

	if err := t.withDataPage(pid, func(buf []byte) error {
		dataPageSetUsed(buf, uint32(len(merged)))
		copy(buf[page.HeaderSize+4:], merged)
		return nil
	}); err != nil {
		return 0, err
	}
	return uint32(len(merged)), nil
}
