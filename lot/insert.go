package lot

import (
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

// Insert splices data into the object at offset, shifting everything from
// offset onward to the right. offset must fall within [0, current length].
//
// Like btm's crabbing, descent holds every ancestor page's write pin for
// the whole recursive call; the teacher's early-release optimization is
// not attempted here either, for the same reasons (see DESIGN.md).
func (t *Tree) Insert(offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	total, err := t.Len()
	if err != nil {
		return err
	}
	if offset < 0 || offset > total {
		return errs.New("lot.Insert", errs.BadParameter)
	}

	pos := offset
	for len(data) > 0 {
		chunkLen := len(data)
		if chunkLen > dataPageCapacity {
			chunkLen = dataPageCapacity
		}
		chunk := data[:chunkLen]
		data = data[chunkLen:]

		if !t.Separated() {
			if err := t.insertEmbedded(pos, chunk); err != nil {
				return err
			}
			if len(t.Root.Entries) > embeddedRootCapacity {
				if _, err := t.SeparateRootNode(); err != nil {
					return err
				}
			}
		} else {
			leftSpan, sibling, err := t.insertAtNode(t.RootPID, pos, chunk)
			if err != nil {
				return err
			}
			if sibling != nil {
				if err := t.growRoot(*sibling, leftSpan); err != nil {
					return err
				}
			}
		}
		pos += int64(chunkLen)
	}
	return nil
}

// Append adds data to the end of the object.
func (t *Tree) Append(data []byte) error {
	total, err := t.Len()
	if err != nil {
		return err
	}
	return t.Insert(total, data)
}

func (t *Tree) insertEmbedded(target int64, chunk []byte) error {
	if len(t.Root.Entries) == 0 {
		pid, err := t.newDataPage(nil, chunk)
		if err != nil {
			return err
		}
		t.Root.Entries = []page.LOTNodeRecord{{Child: pid, Count: uint32(len(chunk))}}
		t.Root.Height = 1
		return nil
	}

	idx, local := locate(t.Root.Entries, target)
	newCount, sibling, err := t.insertAtData(t.Root.Entries[idx].Child, local, chunk, &t.Root.Entries[idx].Child)
	if err != nil {
		return err
	}
	t.Root.Entries[idx].Count = newCount
	if sibling != nil {
		entries := make([]page.LOTNodeRecord, 0, len(t.Root.Entries)+1)
		entries = append(entries, t.Root.Entries[:idx+1]...)
		entries = append(entries, *sibling)
		entries = append(entries, t.Root.Entries[idx+1:]...)
		t.Root.Entries = entries
	}
	return nil
}

// insertAtData splices chunk (len(chunk) <= dataPageCapacity) into the data
// page pid at local offset. Because both the existing page and the new
// chunk are each bounded by dataPageCapacity, the merged content needs at
// most one extra page, so this never produces more than one sibling.
func (t *Tree) insertAtData(pid types.PageID, localOff int64, chunk []byte, near *types.PageID) (uint32, *page.LOTNodeRecord, error) {
	cur, err := t.readDataPage(pid)
	if err != nil {
		return 0, nil, err
	}
	if localOff < 0 || localOff > int64(len(cur)) {
		return 0, nil, errs.New("lot.insertAtData", errs.BadParameter)
	}
	merged := make([]byte, 0, len(cur)+len(chunk))
	merged = append(merged, cur[:localOff]...)
	merged = append(merged, chunk...)
	merged = append(merged, cur[localOff:]...)

	if len(merged) <= dataPageCapacity {
		if err := t.withDataPage(pid, func(buf []byte) error {
			dataPageSetUsed(buf, uint32(len(merged)))
			copy(buf[page.HeaderSize+4:], merged)
			return nil
		}); err != nil {
			return 0, nil, err
		}
		return uint32(len(merged)), nil, nil
	}

	first := merged[:dataPageCapacity]
	rest := merged[dataPageCapacity:]
	if err := t.withDataPage(pid, func(buf []byte) error {
		dataPageSetUsed(buf, uint32(len(first)))
		copy(buf[page.HeaderSize+4:], first)
		return nil
	}); err != nil {
		return 0, nil, err
	}

	newPID, err := t.newDataPage(near, rest)
	if err != nil {
		return 0, nil, err
	}
	return uint32(len(first)), &page.LOTNodeRecord{Child: newPID, Count: uint32(len(rest))}, nil
}

// insertAtNode descends from pid (a standalone LOT node page) to the entry
// covering target, inserts there, and propagates any resulting split back
// up. It returns pid's own span after the insert (and after a possible
// split left this page holding only its first half).
func (t *Tree) insertAtNode(pid types.PageID, target int64, chunk []byte) (uint32, *page.LOTNodeRecord, error) {
	pf, p, err := t.fetchPage(pid)
	if err != nil {
		return 0, nil, err
	}
	defer pf.Release()

	if p.NSlots() == 0 {
		if p.Level() != 1 {
			return 0, nil, errs.New("lot.insertAtNode", errs.Corruption).WithPage(pid.VolNo, pid.PageNo)
		}
		newPID, err := t.newDataPage(&pid, chunk)
		if err != nil {
			return 0, nil, err
		}
		if _, err := p.Append(page.EncodeLOTNode(page.LOTNodeRecord{Child: newPID, Count: uint32(len(chunk))})); err != nil {
			return 0, nil, err
		}
		pf.SetDirty()
		return uint32(len(chunk)), nil, nil
	}

	entries := decodeNodeEntries(p)
	idx, local := locate(entries, target)

	var childCount uint32
	var childSibling *page.LOTNodeRecord
	if p.Level() == 1 {
		childCount, childSibling, err = t.insertAtData(entries[idx].Child, local, chunk, &pid)
	} else {
		childCount, childSibling, err = t.insertAtNode(entries[idx].Child, local, chunk)
	}
	if err != nil {
		return 0, nil, err
	}

	entries[idx].Count = childCount
	if _, err := p.Replace(uint16(idx), page.EncodeLOTNode(entries[idx])); err != nil {
		return 0, nil, err
	}
	pf.SetDirty()

	var sibling *page.LOTNodeRecord
	if childSibling != nil {
		insErr := p.InsertAt(uint16(idx+1), page.EncodeLOTNode(*childSibling))
		if insErr != nil {
			if errs.CodeOf(insErr) != errs.Overflow {
				return 0, nil, insErr
			}
			newPID, promoted, splitErr := t.splitNode(pid, p, uint16(idx+1), *childSibling)
			if splitErr != nil {
				return 0, nil, splitErr
			}
			_ = newPID
			sibling = &promoted
		}
	}

	return sumNodeEntries(p), sibling, nil
}

// splitNode rebuilds pid's page (via p) to hold the first half of its
// entries plus insertEntry at insertIdx, moves the second half to a freshly
// allocated sibling page at the same level, and returns that sibling's
// page id and its promoted (span, child) entry for the caller to insert
// into the parent.
func (t *Tree) splitNode(pid types.PageID, p *page.Page, insertIdx uint16, insertEntry page.LOTNodeRecord) (types.PageID, page.LOTNodeRecord, error) {
	n := p.NSlots()
	all := make([]page.LOTNodeRecord, 0, n+1)
	for i := uint16(0); i < n; i++ {
		if i == insertIdx {
			all = append(all, insertEntry)
		}
		all = append(all, page.DecodeLOTNode(p.Slot(i)))
	}
	if insertIdx == n {
		all = append(all, insertEntry)
	}

	mid := len(all) / 2
	left := all[:mid]
	right := all[mid:]
	level := p.Level()

	newPID, err := t.allocNear(&pid)
	if err != nil {
		return types.PageID{}, page.LOTNodeRecord{}, err
	}
	nf, err := t.pool.GetNewTrain(newPID, 1)
	if err != nil {
		return types.PageID{}, page.LOTNodeRecord{}, err
	}
	np := page.New(nf.Data(), page.TypeLOTNode, newPID)
	np.SetLevel(level)
	var rightSpan uint32
	for _, e := range right {
		if _, err := np.Append(page.EncodeLOTNode(e)); err != nil {
			nf.Release()
			return types.PageID{}, page.LOTNodeRecord{}, err
		}
		rightSpan += e.Count
	}
	nf.SetDirty()
	nf.Release()

	page.New(p.Bytes(), page.TypeLOTNode, pid)
	p.SetLevel(level)
	for _, e := range left {
		if _, err := p.Append(page.EncodeLOTNode(e)); err != nil {
			return types.PageID{}, page.LOTNodeRecord{}, err
		}
	}

	return newPID, page.LOTNodeRecord{Child: newPID, Count: rightSpan}, nil
}

// growRoot allocates a new top-level node one level taller, with two
// entries: the current root (now holding leftSpan after a split) and
// sibling, the entry promoted by that split.
func (t *Tree) growRoot(sibling page.LOTNodeRecord, leftSpan uint32) error {
	_, oldP, err := t.fetchPage(t.RootPID)
	if err != nil {
		return err
	}
	lvl := oldP.Level()
	t.releasePage(t.RootPID)

	newRootPID, err := t.allocNear(&t.RootPID)
	if err != nil {
		return err
	}
	f, err := t.pool.GetNewTrain(newRootPID, 1)
	if err != nil {
		return err
	}
	np := page.New(f.Data(), page.TypeLOTNode, newRootPID)
	np.SetLevel(lvl + 1)
	if _, err := np.Append(page.EncodeLOTNode(page.LOTNodeRecord{Child: t.RootPID, Count: leftSpan})); err != nil {
		f.Release()
		return err
	}
	if _, err := np.Append(page.EncodeLOTNode(sibling)); err != nil {
		f.Release()
		return err
	}
	f.SetDirty()
	f.Release()

	log.Info().Uint32("newRoot", newRootPID.PageNo).Msg("lot root split, tree grew by one level")
	t.RootPID = newRootPID
	return nil
}
