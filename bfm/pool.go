// Package bfm implements the Buffer Manager (C2): a fixed-size frame pool
// over fixed-size pages/trains, pin/unpin, dirty tracking and CLOCK
// replacement, grounded in the teacher's BufMgr (bufmgr.go) — PinLatch's
// hash-chained lookup-or-fault, the CLOCK sweep in the eviction loop, and
// UnpinLatch's clock-bit set on release. The teacher's nested
// ParentBufMgr/ParentPage indirection (this buffer manager embedded inside
// another, host, buffer manager) is dropped: Pool is the leaf buffer
// manager, talking directly to rdsm.Volume. See DESIGN.md for that drop's
// justification.
package bfm

import (
	"sync/atomic"

	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/latch"
	"github.com/odysseus-cosmos/storage-core/logging"
	"github.com/odysseus-cosmos/storage-core/rdsm"
	"github.com/odysseus-cosmos/storage-core/types"
)

var log = logging.Component("bfm")

// clockBit marks a frame as "recently used" for the CLOCK sweep, exactly
// the role of the teacher's ClockBit over latch.pin.
const clockBit = uint32(1) << 31

// Frame is one buffer pool slot.
type Frame struct {
	pageID types.PageID
	size   uint32 // pages held: 1 or TrainSize
	data   []byte
	pin    uint32 // low bits: pin count; high bit: clock-recently-used
	dirty  bool
	valid  bool
	rw     latch.RW
}

// Pool is the fixed-size frame pool for one volume table.
type Pool struct {
	volumes   *rdsm.Table
	trainSize uint32

	tableLatch latch.Spin
	hashTable  map[types.PageID]int // pageID -> frame slot (1-based; 0 = empty)

	frames      []Frame
	deployed    uint32
	victim      uint32
	total       uint32
	pinOutstanding int64 // diagnostic counter for pin-leak detection
}

// NewPool creates a pool with `frames` slots of `trainSize`-page capacity
// each.
func NewPool(volumes *rdsm.Table, frames uint, trainSize uint32) *Pool {
	if frames < 1 {
		panic("bfm.NewPool: pool too small")
	}
	p := &Pool{
		volumes:   volumes,
		trainSize: trainSize,
		hashTable: make(map[types.PageID]int, frames),
		frames:    make([]Frame, frames+1), // slot 0 unused, mirrors teacher's 1-based latch slots
		total:     uint32(frames + 1),
	}
	return p
}

// PinnedFrame is a scoped handle over a pinned frame: callers must call
// Release on every exit path (spec.md §5 "pin/unpin discipline"), which
// this type makes straightforward via `defer pf.Release()`.
type PinnedFrame struct {
	pool *Pool
	slot int
}

// Data returns the frame's raw train bytes.
func (pf *PinnedFrame) Data() []byte { return pf.pool.frames[pf.slot].data }

// PageID returns the frame's page identifier.
func (pf *PinnedFrame) PageID() types.PageID { return pf.pool.frames[pf.slot].pageID }

// SetDirty marks the frame dirty; must be called while pinned (spec.md
// §4.2 "setDirty may be called only while the frame is pinned").
func (pf *PinnedFrame) SetDirty() {
	pf.pool.frames[pf.slot].dirty = true
}

// Release unpins the frame, the counterpart to GetTrain/GetNewTrain.
func (pf *PinnedFrame) Release() {
	pf.pool.unpinSlot(pf.slot)
}

// pin finds-or-faults a frame for pid, loading its contents from disk when
// load is true (GetTrain) or leaving it zeroed when false (GetNewTrain).
func (p *Pool) pin(pid types.PageID, size uint32, load bool) (*PinnedFrame, error) {
	p.tableLatch.Lock()
	if slot, ok := p.hashTable[pid]; ok {
		atomic.AddUint32(&p.frames[slot].pin, 1)
		atomic.AddInt64(&p.pinOutstanding, 1)
		p.tableLatch.Unlock()
		return &PinnedFrame{pool: p, slot: slot}, nil
	}

	// try an unused slot first
	if p.deployed+1 < p.total {
		p.deployed++
		slot := int(p.deployed)
		p.tableLatch.Unlock()
		if err := p.load(slot, pid, size, load); err != nil {
			return nil, err
		}
		atomic.AddInt64(&p.pinOutstanding, 1)
		return &PinnedFrame{pool: p, slot: slot}, nil
	}
	p.tableLatch.Unlock()

	// CLOCK sweep for a victim
	for i := uint32(0); i < p.total*2; i++ {
		slot := int(atomic.AddUint32(&p.victim, 1) % p.total)
		if slot == 0 {
			continue
		}
		f := &p.frames[slot]
		if f.pin&^clockBit > 0 {
			continue
		}
		if f.pin&clockBit > 0 {
			// recently used: clear the bit and pass over it this round
			atomic.AddUint32(&f.pin, ^(clockBit - 1))
			continue
		}
		if f.dirty {
			if err := p.writeBack(f); err != nil {
				return nil, err
			}
		}
		p.tableLatch.Lock()
		delete(p.hashTable, f.pageID)
		p.tableLatch.Unlock()
		if err := p.load(slot, pid, size, load); err != nil {
			return nil, err
		}
		atomic.AddInt64(&p.pinOutstanding, 1)
		return &PinnedFrame{pool: p, slot: slot}, nil
	}
	log.Warn().Uint32("vol", uint32(pid.VolNo)).Uint32("page", pid.PageNo).Msg("buffer pool full, no victim found")
	return nil, errs.New("bfm.pin", errs.BufferPoolFull)
}

func (p *Pool) load(slot int, pid types.PageID, size uint32, load bool) error {
	f := &p.frames[slot]
	f.pageID = pid
	f.size = size
	f.data = make([]byte, size*rdsm.PageSize)
	f.dirty = false
	f.valid = true
	f.pin = 1
	f.rw = latch.RW{}

	p.tableLatch.Lock()
	p.hashTable[pid] = slot
	p.tableLatch.Unlock()

	if load {
		vol, err := p.volumes.Volume(uint32(pid.VolNo))
		if err != nil {
			return err
		}
		if err := vol.ReadTrain(pid, f.data, size, p.trainSize); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) writeBack(f *Frame) error {
	vol, err := p.volumes.Volume(uint32(f.pageID.VolNo))
	if err != nil {
		return err
	}
	if err := vol.WriteTrain(f.pageID, f.data, f.size, p.trainSize); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

func (p *Pool) unpinSlot(slot int) {
	f := &p.frames[slot]
	if f.pin&clockBit == 0 {
		atomic.AddUint32(&f.pin, clockBit)
	}
	atomic.AddUint32(&f.pin, ^uint32(0))
	atomic.AddInt64(&p.pinOutstanding, -1)
}

// Volumes returns the volume table this pool reads/writes through, for
// callers (btm, lot) that need to allocate or free pages directly.
func (p *Pool) Volumes() *rdsm.Table { return p.volumes }

// TrainSize returns the pool's configured train size in pages.
func (p *Pool) TrainSize() uint32 { return p.trainSize }

// GetTrain faults and pins the train at pid, reading it from its volume if
// not already resident.
func (p *Pool) GetTrain(pid types.PageID, size uint32) (*PinnedFrame, error) {
	return p.pin(pid, size, true)
}

// GetNewTrain pins a freshly allocated train without reading it from disk.
func (p *Pool) GetNewTrain(pid types.PageID, size uint32) (*PinnedFrame, error) {
	return p.pin(pid, size, false)
}

// FreeTrain is an alias for (*PinnedFrame).Release addressed by PageID,
// for call sites (like redo application) that don't keep the PinnedFrame
// handle around.
func (p *Pool) FreeTrain(pid types.PageID) error {
	p.tableLatch.Lock()
	slot, ok := p.hashTable[pid]
	p.tableLatch.Unlock()
	if !ok {
		return errs.New("bfm.FreeTrain", errs.BadPageID).WithPage(pid.VolNo, pid.PageNo)
	}
	p.unpinSlot(slot)
	return nil
}

// SetDirty marks the resident frame for pid dirty.
func (p *Pool) SetDirty(pid types.PageID) error {
	p.tableLatch.Lock()
	slot, ok := p.hashTable[pid]
	p.tableLatch.Unlock()
	if !ok {
		return errs.New("bfm.SetDirty", errs.BadPageID).WithPage(pid.VolNo, pid.PageNo)
	}
	p.frames[slot].dirty = true
	return nil
}

// Flush writes the resident frame for pid back to its volume if dirty.
func (p *Pool) Flush(pid types.PageID) error {
	p.tableLatch.Lock()
	slot, ok := p.hashTable[pid]
	p.tableLatch.Unlock()
	if !ok {
		return nil
	}
	f := &p.frames[slot]
	if !f.dirty {
		return nil
	}
	return p.writeBack(f)
}

// Dismount invalidates every frame belonging to volNo, flushing dirty ones
// first.
func (p *Pool) Dismount(volNo uint32) error {
	p.tableLatch.Lock()
	defer p.tableLatch.Unlock()
	var flushErr error
	for pid, slot := range p.hashTable {
		if uint32(pid.VolNo) != volNo {
			continue
		}
		f := &p.frames[slot]
		if f.dirty {
			if err := p.writeBack(f); err != nil && flushErr == nil {
				flushErr = err
			}
		}
		f.valid = false
		delete(p.hashTable, pid)
	}
	return flushErr
}

// PinLeaks reports eINTERNAL while any pin taken through GetTrain or
// GetNewTrain is still unreleased (one pool-wide count, not per frame), per spec.md §4.2 ("detect pin-leak and surface it
// as eINTERNAL").
func (p *Pool) PinLeaks() error {
	if atomic.LoadInt64(&p.pinOutstanding) != 0 {
		return errs.New("bfm.PinLeaks", errs.Internal)
	}
	return nil
}
