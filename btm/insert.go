package btm

import (
	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

// InternalRecordOverhead is the number of non-key bytes in an encoded
// InternalRecord (child PageID + length prefix).
const InternalRecordOverhead = 4 + 2 + 2

// Insert adds (key, oid) to the tree. Equal keys are permitted: beyond the
// first, additional objects under the same key are chained into an
// overflow page (spec.md §4.4), never silently discarded the way the
// teacher's BLTree drops duplicate keys (bltree.go InsertKey comment
// "Duplicate keys are discarded").
//
// The descent pins every page from root to leaf and keeps the whole path
// pinned for the duration of the call. No page latch is taken, and no
// ancestor is released early once its child is known safe from splitting
// (see DESIGN.md).
func (t *Tree) Insert(key []byte, oid types.ObjectID) error {
	path, leafFrame, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	defer func() {
		for _, e := range path {
			e.frame.Release()
		}
	}()
	defer leafFrame.Release()

	slot, exact := t.leafSlotFor(leaf, key)
	if exact {
		return t.chainDuplicate(leaf, slot, oid)
	}

	rec := page.EncodeLeaf(page.LeafRecord{Key: key, OID: oid, Count: 1})
	if err := leaf.InsertAt(slot, rec); err == nil {
		leafFrame.SetDirty()
		return nil
	}

	rightPID, promoted, err := t.splitLeaf(leaf)
	if err != nil {
		return err
	}
	leafFrame.SetDirty()

	if Compare(t.desc, key, promoted) >= 0 {
		rf, rp, err := t.fetchPage(rightPID)
		if err != nil {
			return err
		}
		defer rf.Release()
		rslot, _ := t.leafSlotFor(rp, key)
		if err := rp.InsertAt(rslot,page.EncodeLeaf(page.LeafRecord{Key: key, OID: oid, Count: 1})); err != nil {
			return errs.Wrap("btm.Insert", errs.BadBTreePage, err)
		}
		rf.SetDirty()
	} else {
		lslot, _ := t.leafSlotFor(leaf, key)
		if err := leaf.InsertAt(lslot,page.EncodeLeaf(page.LeafRecord{Key: key, OID: oid, Count: 1})); err != nil {
			return errs.Wrap("btm.Insert", errs.BadBTreePage, err)
		}
	}

	return t.propagateSplit(path, leaf.PageID(), promoted, rightPID)
}

// descend walks root to leaf, pinning (not latching) every page along the way, and
// returns the ancestor path plus the leaf frame/page.
func (t *Tree) descend(key []byte) ([]pathEntry, *bfm.PinnedFrame, *page.Page, error) {
	var path []pathEntry
	pid := t.root
	for {
		pf, pg, err := t.fetchPage(pid)
		if err != nil {
			for _, e := range path {
				e.frame.Release()
			}
			return nil, nil, nil, err
		}
		if pg.Type() == page.TypeLeaf {
			return path, pf, pg, nil
		}
		idx := t.childSlotFor(pg, key)
		rec := page.DecodeInternal(pg.Slot(idx))
		path = append(path, pathEntry{frame: pf, page: pg, childIdx: idx})
		pid = rec.Child
	}
}

// chainDuplicate inserts oid into the sorted overflow chain rooted at the
// leaf entry in slot, creating the chain's first overflow page if this is
// the second object under the key (spec.md §4.4).
func (t *Tree) chainDuplicate(leaf *page.Page, slot uint16, oid types.ObjectID) error {
	rec := page.DecodeLeaf(leaf.Slot(slot))
	if rec.Overflow.Zero() {
		ovPID, err := t.allocPage()
		if err != nil {
			return err
		}
		of, err := t.pool.GetNewTrain(ovPID, 1)
		if err != nil {
			return err
		}
		op := page.New(of.Data(), page.TypeOverflow, ovPID)
		first, second := rec.OID, oid
		if second.Less(first) {
			first, second = second, first
		}
		firstEnc := first.Encode()
		secondEnc := second.Encode()
		if _, err := op.Append(firstEnc[:]); err != nil {
			of.Release()
			return err
		}
		if _, err := op.Append(secondEnc[:]); err != nil {
			of.Release()
			return err
		}
		of.SetDirty()
		of.Release()

		rec.Overflow = ovPID
		rec.Count = 2
		_, err = leaf.Replace(slot, page.EncodeLeaf(rec))
		return err
	}

	if err := t.insertIntoOverflowChain(rec.Overflow, oid); err != nil {
		return err
	}
	rec.Count++
	_, err := leaf.Replace(slot, page.EncodeLeaf(rec))
	return err
}

// insertIntoOverflowChain inserts oid in sorted position (types.ObjectID.
// Less) somewhere along the overflow chain headed at headPID, walking
// pages in NextLink order and linking a freshly allocated page in, sorted
// order preserved, once the target page is full (spec.md §4.4 "when an
// overflow page fills, a new one is linked in sorted order"; invariant 4
// "ObjectIDs are sorted across the chain").
func (t *Tree) insertIntoOverflowChain(headPID types.PageID, oid types.ObjectID) error {
	pid := headPID
	for {
		of, err := t.pool.GetTrain(pid, 1)
		if err != nil {
			return err
		}
		op := page.Wrap(of.Data())

		idx := overflowInsertPos(op, oid)
		if idx == op.NSlots() && op.NextLink() != 0 {
			// oid sorts after everything on this page but a later page
			// exists; it belongs there instead.
			next := op.NextLink()
			of.Release()
			pid = types.PageID{VolNo: headPID.VolNo, PageNo: next}
			continue
		}

		enc := oid.Encode()
		if err := op.InsertAt(idx, enc[:]); err == nil {
			of.SetDirty()
			of.Release()
			return nil
		}

		err = t.splitOverflowPage(of, op, idx, oid)
		of.Release()
		return err
	}
}

// overflowInsertPos returns the slot index at which oid belongs within an
// already-sorted overflow page.
func overflowInsertPos(op *page.Page, oid types.ObjectID) uint16 {
	n := op.NSlots()
	for i := uint16(0); i < n; i++ {
		if oid.Less(types.DecodeObjectID(op.Slot(i))) {
			return i
		}
	}
	return n
}

// splitOverflowPage splits a full overflow page in half, links a freshly
// allocated page in right after it, and lands oid in whichever half its
// sorted position falls in.
func (t *Tree) splitOverflowPage(of *bfm.PinnedFrame, op *page.Page, insertPos uint16, oid types.ObjectID) error {
	entries := make([][types.ObjectIDSize]byte, 0, op.NSlots()+1)
	for i := uint16(0); i < op.NSlots(); i++ {
		if i == insertPos {
			entries = append(entries, oid.Encode())
		}
		var e [types.ObjectIDSize]byte
		copy(e[:], op.Slot(i))
		entries = append(entries, e)
	}
	if insertPos == op.NSlots() {
		entries = append(entries, oid.Encode())
	}

	mid := len(entries) / 2
	rightPID, err := t.allocPage()
	if err != nil {
		return err
	}
	rf, err := t.pool.GetNewTrain(rightPID, 1)
	if err != nil {
		return err
	}
	right := page.New(rf.Data(), page.TypeOverflow, rightPID)
	for i := mid; i < len(entries); i++ {
		e := entries[i]
		if _, err := right.Append(e[:]); err != nil {
			rf.Release()
			return err
		}
	}
	right.SetNextLink(op.NextLink())
	right.SetPrevLink(op.PageID().PageNo)
	rf.SetDirty()
	rf.Release()

	if next := op.NextLink(); next != 0 {
		nf, err := t.pool.GetTrain(types.PageID{VolNo: op.PageID().VolNo, PageNo: next}, 1)
		if err != nil {
			return err
		}
		page.Wrap(nf.Data()).SetPrevLink(rightPID.PageNo)
		nf.SetDirty()
		nf.Release()
	}

	for op.NSlots() > 0 {
		op.RemoveAt(op.NSlots() - 1)
	}
	for i := 0; i < mid; i++ {
		e := entries[i]
		if _, err := op.Append(e[:]); err != nil {
			return err
		}
	}
	op.SetNextLink(rightPID.PageNo)
	of.SetDirty()
	return nil
}

// allocPage grabs one fresh page from the tree's volume for a new tree
// node (split sibling or overflow page).
func (t *Tree) allocPage() (types.PageID, error) {
	vol, err := t.pool.Volumes().Volume(uint32(t.volNo))
	if err != nil {
		return types.PageID{}, err
	}
	pids, err := vol.AllocTrains(&t.root, 1.0, 1, 1, t.pool.TrainSize())
	if err != nil {
		return types.PageID{}, err
	}
	return pids[0], nil
}

// splitLeaf moves the upper half of leaf's entries into a freshly
// allocated right sibling, linking the leaf chain, and returns the right
// page's id plus the promoted separator key (the first key moved right).
func (t *Tree) splitLeaf(leaf *page.Page) (types.PageID, []byte, error) {
	n := leaf.NSlots()
	mid := n / 2

	rightPID, err := t.allocPage()
	if err != nil {
		return types.PageID{}, nil, err
	}
	rf, err := t.pool.GetNewTrain(rightPID, 1)
	if err != nil {
		return types.PageID{}, nil, err
	}
	right := page.New(rf.Data(), page.TypeLeaf, rightPID)
	right.SetLevel(leaf.Level())

	var promoted []byte
	for i := mid; i < n; i++ {
		rec := page.DecodeLeaf(leaf.Slot(i))
		if promoted == nil {
			promoted = append([]byte(nil), rec.Key...)
		}
		if _, err := right.Append(page.EncodeLeaf(rec)); err != nil {
			rf.Release()
			return types.PageID{}, nil, err
		}
	}
	for i := int(n) - 1; i >= int(mid); i-- {
		leaf.RemoveAt(uint16(i))
	}

	right.SetNextLink(leaf.NextLink())
	right.SetPrevLink(leaf.PageID().PageNo)
	leaf.SetNextLink(rightPID.PageNo)

	rf.SetDirty()
	rf.Release()
	return rightPID, promoted, nil
}

// propagateSplit installs (promoted, rightPID) as a new child pointer of
// leftPID's parent (the last entry in path), splitting internal nodes in
// turn as far up the path as necessary, and growing a new root if the
// split reaches the top.
func (t *Tree) propagateSplit(path []pathEntry, leftPID types.PageID, promoted []byte, rightPID types.PageID) error {
	for len(path) > 0 {
		top := path[len(path)-1]
		path = path[:len(path)-1]

		wasLast := top.childIdx == top.page.NSlots()-1
		oldRec := page.DecodeInternal(top.page.Slot(top.childIdx))
		oldKey := append([]byte(nil), oldRec.Key...)

		leftMaxKey, err := t.maxKeyOf(top.page, top.childIdx, leftPID)
		if err != nil {
			return err
		}
		newLeftRec := page.InternalRecord{Key: leftMaxKey, Child: leftPID}
		top.page.RemoveAt(top.childIdx)
		if err := top.page.InsertAt(top.childIdx, page.EncodeInternal(newLeftRec)); err != nil {
			return err
		}

		var rightRec page.InternalRecord
		insertPos := top.childIdx + 1
		if wasLast {
			rightRec = page.InternalRecord{Key: nil, Child: rightPID}
		} else {
			rightRec = page.InternalRecord{Key: oldKey, Child: rightPID}
		}

		if err := top.page.InsertAt(insertPos, page.EncodeInternal(rightRec)); err == nil {
			top.frame.SetDirty()
			return nil
		}

		top.frame.SetDirty()
		newRightPID, newPromoted, err := t.splitInternal(top.page, insertPos, page.EncodeInternal(rightRec))
		if err != nil {
			return err
		}
		leftPID = top.page.PageID()
		promoted = newPromoted
		rightPID = newRightPID
	}

	return t.growRoot(leftPID, promoted, rightPID)
}

// maxKeyOf returns the key that should bound childPID now that it holds a
// reduced key range after a split: for a leaf this is its last key, for
// an internal node it is the key of its own last slot, or of the slot
// before it when the last slot is the nil-key catch-all, falling back to
// the existing slot's key when the child is empty or holds one slot.
func (t *Tree) maxKeyOf(parent *page.Page, slotIdx uint16, childPID types.PageID) ([]byte, error) {
	cf, cp, err := t.fetchPage(childPID)
	if err != nil {
		return nil, err
	}
	defer cf.Release()

	n := cp.NSlots()
	if n == 0 {
		return page.DecodeInternal(parent.Slot(slotIdx)).Key, nil
	}
	if cp.Type() == page.TypeLeaf {
		return page.DecodeLeaf(cp.Slot(n - 1)).Key, nil
	}
	if last := page.DecodeInternal(cp.Slot(n - 1)).Key; len(last) > 0 {
		return last, nil
	}
	if n == 1 {
		return page.DecodeInternal(parent.Slot(slotIdx)).Key, nil
	}
	return page.DecodeInternal(cp.Slot(n - 2)).Key, nil
}

// splitInternal splits an overflowing internal node in half, first
// logically inserting pendingRec at insertPos, then promoting to the
// caller the key of the left half's last entry, which stays in the left
// half: the promoted key is that half's upper bound.
func (t *Tree) splitInternal(node *page.Page, insertPos uint16, pendingRec []byte) (types.PageID, []byte, error) {
	entries := make([][]byte, 0, node.NSlots()+1)
	for i := uint16(0); i < node.NSlots(); i++ {
		if i == insertPos {
			entries = append(entries, pendingRec)
		}
		entries = append(entries, append([]byte(nil), node.Slot(i)...))
	}
	if insertPos == node.NSlots() {
		entries = append(entries, pendingRec)
	}

	mid := len(entries) / 2
	promoted := append([]byte(nil), page.DecodeInternal(entries[mid-1]).Key...)

	rightPID, err := t.allocPage()
	if err != nil {
		return types.PageID{}, nil, err
	}
	rf, err := t.pool.GetNewTrain(rightPID, 1)
	if err != nil {
		return types.PageID{}, nil, err
	}
	right := page.New(rf.Data(), page.TypeInternal, rightPID)
	right.SetLevel(node.Level())
	for i := mid; i < len(entries); i++ {
		if _, err := right.Append(entries[i]); err != nil {
			rf.Release()
			return types.PageID{}, nil, err
		}
	}
	rf.SetDirty()
	rf.Release()

	for node.NSlots() > 0 {
		node.RemoveAt(node.NSlots() - 1)
	}
	for i := 0; i < mid; i++ {
		if _, err := node.Append(entries[i]); err != nil {
			return types.PageID{}, nil, err
		}
	}

	return rightPID, promoted, nil
}

// growRoot allocates a fresh root page with two children, raising the
// tree's height by one, grounded in the teacher's splitRoot.
func (t *Tree) growRoot(leftPID types.PageID, promoted []byte, rightPID types.PageID) error {
	lf, lp, err := t.fetchPage(leftPID)
	if err != nil {
		return err
	}
	oldLevel := lp.Level()
	leftKey := promoted
	if lp.Type() == page.TypeLeaf {
		// a leaf split promotes the right page's first key; the left
		// child's slot is bounded by its own last key instead.
		leftKey = page.DecodeLeaf(lp.Slot(lp.NSlots() - 1)).Key
	}
	lf.Release()
	newRootPID, err := t.allocPage()
	if err != nil {
		return err
	}
	nf, err := t.pool.GetNewTrain(newRootPID, 1)
	if err != nil {
		return err
	}
	defer nf.Release()
	root := page.New(nf.Data(), page.TypeInternal, newRootPID)
	root.SetLevel(oldLevel + 1)
	if _, err := root.Append(page.EncodeInternal(page.InternalRecord{Key: leftKey, Child: leftPID})); err != nil {
		return err
	}
	if _, err := root.Append(page.EncodeInternal(page.InternalRecord{Key: nil, Child: rightPID})); err != nil {
		return err
	}
	nf.SetDirty()
	t.root = newRootPID
	log.Info().Uint32("newRoot", newRootPID.PageNo).Msg("root split, tree grew by one level")
	return nil
}

func (t *Tree) levelOf(pid types.PageID) (uint8, error) {
	pf, pg, err := t.fetchPage(pid)
	if err != nil {
		return 0, err
	}
	defer pf.Release()
	return pg.Level(), nil
}
