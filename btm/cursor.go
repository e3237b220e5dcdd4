package btm

import (
	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

// CursorFlag mirrors the teacher's tri-state scan cursor ({ON, OFF, EOS}
// in the embedding interface), spec.md §4.4's Fetch/FetchNext contract.
type CursorFlag uint8

const (
	CursorOff CursorFlag = iota
	CursorOn
	CursorEOS
)

// Cursor walks matching (key, ObjectID) pairs leaf-chain-forward from a
// Fetch position, following duplicate-key overflow chains transparently.
type Cursor struct {
	tree    *Tree
	flag    CursorFlag
	frame   *bfm.PinnedFrame
	leaf    *page.Page
	slot    uint16
	curKey  []byte

	inOverflow bool
	ovFrame    *bfm.PinnedFrame
	ovIndex    uint16
	ovCount    uint16
}

// Fetch positions a cursor at the first entry whose key is >= key
// (spec.md §4.4 "Fetch establishes position; FetchNext advances it").
func (t *Tree) Fetch(key []byte) (*Cursor, error) {
	pid := t.root
	for {
		pf, pg, err := t.fetchPage(pid)
		if err != nil {
			return nil, err
		}
		if pg.Type() == page.TypeLeaf {
			slot, _ := t.leafSlotFor(pg, key)
			c := &Cursor{tree: t, frame: pf, leaf: pg, slot: slot, flag: CursorOn}
			if slot >= pg.NSlots() && pg.NextLink() == 0 {
				c.flag = CursorEOS
			}
			return c, nil
		}
		idx := t.childSlotFor(pg, key)
		rec := page.DecodeInternal(pg.Slot(idx))
		pf.Release()
		pid = rec.Child
	}
}

// Close releases the cursor's pinned frames. Must be called once the
// caller is done scanning, mirroring the pin/unpin discipline of every
// other frame borrowed from bfm (spec.md §5).
func (c *Cursor) Close() {
	if c.ovFrame != nil {
		c.ovFrame.Release()
		c.ovFrame = nil
	}
	if c.frame != nil {
		c.frame.Release()
		c.frame = nil
	}
	c.flag = CursorEOS
}

// FetchNext advances the cursor and returns the next (key, ObjectID) pair,
// or ok=false once the scan is exhausted.
func (c *Cursor) FetchNext() (key []byte, oid types.ObjectID, ok bool, err error) {
	if c.flag == CursorEOS {
		return nil, types.ObjectID{}, false, nil
	}
	for {
		if c.inOverflow {
			if c.ovIndex < c.ovCount {
				ov := page.Wrap(c.ovFrame.Data())
				oid = types.DecodeObjectID(ov.Slot(c.ovIndex))
				c.ovIndex++
				return c.curKey, oid, true, nil
			}
			next := page.Wrap(c.ovFrame.Data()).NextLink()
			c.ovFrame.Release()
			c.ovFrame = nil
			if next != 0 {
				nf, nerr := c.tree.pool.GetTrain(types.PageID{VolNo: c.tree.volNo, PageNo: next}, 1)
				if nerr != nil {
					return nil, types.ObjectID{}, false, nerr
				}
				c.ovFrame = nf
				c.ovIndex = 0
				c.ovCount = page.Wrap(nf.Data()).NSlots()
				continue
			}
			c.inOverflow = false
			c.slot++
			continue
		}

		if c.slot >= c.leaf.NSlots() {
			next := c.leaf.NextLink()
			if next == 0 {
				c.Close()
				return nil, types.ObjectID{}, false, nil
			}
			nf, np, ferr := c.tree.fetchPage(types.PageID{VolNo: c.tree.volNo, PageNo: next})
			if ferr != nil {
				return nil, types.ObjectID{}, false, ferr
			}
			c.frame.Release()
			c.frame = nf
			c.leaf = np
			c.slot = 0
			continue
		}

		rec := page.DecodeLeaf(c.leaf.Slot(c.slot))
		c.curKey = rec.Key
		if !rec.Overflow.Zero() {
			of, oerr := c.tree.pool.GetTrain(rec.Overflow, 1)
			if oerr != nil {
				return nil, types.ObjectID{}, false, oerr
			}
			c.ovFrame = of
			c.ovIndex = 0
			c.ovCount = page.Wrap(of.Data()).NSlots()
			c.inOverflow = true
			continue
		}

		c.slot++
		return c.curKey, rec.OID, true, nil
	}
}
