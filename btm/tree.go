package btm

import (
	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/logging"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

var log = logging.Component("btm")

// mergeThreshold is the fill fraction below which a node is a candidate
// for merge with a sibling (spec.md §4.4 "40% fill
// threshold"), grounded in the teacher's deletePage/collapseRoot
// collapsing the tree once a node empties out.
const mergeThreshold = 0.4

// Tree is one open B+-tree index. Root can move (root split promotes a
// new root page) so it is tracked on the Tree rather than baked into a
// fixed page number, matching spec.md's PhysicalIndexID semantics
// (root page changes, IndexID identity does not).
type Tree struct {
	pool  *bfm.Pool
	volNo uint16
	desc  KeyDesc
	root  types.PageID
}

// CreateIndex formats a brand-new single-leaf-page tree and returns it.
func CreateIndex(pool *bfm.Pool, volNo uint16, rootPid types.PageID, desc KeyDesc) (*Tree, error) {
	pf, err := pool.GetNewTrain(rootPid, 1)
	if err != nil {
		return nil, errs.Wrap("btm.CreateIndex", errs.Internal, err)
	}
	lp := page.New(pf.Data(), page.TypeLeaf, rootPid)
	lp.SetLevel(0)
	pf.SetDirty()
	pf.Release()
	log.Info().Uint16("vol", volNo).Uint32("root", rootPid.PageNo).Msg("created index")
	return &Tree{pool: pool, volNo: volNo, desc: desc, root: rootPid}, nil
}

// Open wraps an already-formatted index rooted at rootPid.
func Open(pool *bfm.Pool, volNo uint16, rootPid types.PageID, desc KeyDesc) *Tree {
	return &Tree{pool: pool, volNo: volNo, desc: desc, root: rootPid}
}

// RootPageID returns the tree's current root page, for persisting into the
// catalog's PhysicalIndexID after a root split moves it.
func (t *Tree) RootPageID() types.PageID { return t.root }

// pathEntry is one level of a descent, the frame held pinned (no latch is
// taken) plus the child-slot index taken to reach the next level down.
type pathEntry struct {
	frame    *bfm.PinnedFrame
	page     *page.Page
	childIdx uint16
}

func (t *Tree) fetchPage(pid types.PageID) (*bfm.PinnedFrame, *page.Page, error) {
	pf, err := t.pool.GetTrain(pid, 1)
	if err != nil {
		return nil, nil, err
	}
	return pf, page.Wrap(pf.Data()), nil
}

// childSlotFor returns the index of the slot in an internal node that
// should be followed for key. Internal slots are kept in ascending
// separator-key order with the last slot acting as the catch-all
// right-most pointer (nil key).
func (t *Tree) childSlotFor(p *page.Page, key []byte) uint16 {
	n := p.NSlots()
	for i := uint16(0); i < n-1; i++ {
		rec := page.DecodeInternal(p.Slot(i))
		if Compare(t.desc, key, rec.Key) <= 0 {
			return i
		}
	}
	return n - 1
}

// leafSlotFor returns the first slot whose key is >= key (insertion point
// / lower bound), and whether that slot is an exact match.
func (t *Tree) leafSlotFor(p *page.Page, key []byte) (slot uint16, exact bool) {
	n := p.NSlots()
	for i := uint16(0); i < n; i++ {
		rec := page.DecodeLeaf(p.Slot(i))
		c := Compare(t.desc, key, rec.Key)
		if c == 0 {
			return i, true
		}
		if c < 0 {
			return i, false
		}
	}
	return n, false
}

// underThreshold reports whether p's live occupancy has fallen below
// mergeThreshold, making it a merge candidate.
func underThreshold(p *page.Page) bool {
	return p.FreeSpace() > int(float64(len(p.Bytes()))*(1-mergeThreshold))
}
