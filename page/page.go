// Package page implements the on-train slotted page layout (C3) shared by
// the B+-tree, large object tree and overflow chains: a fixed header,
// slots that grow forward from the header, and record bytes that grow
// backward from the end of the train. Grounded in the teacher's page
// layout (other_examples hmarui66 bltree.go Page type: Cnt/Act/Min/
// Garbage/Bits/Free/Lvl/Kill/Right, PageHeaderSize=26) but reworked into
// an explicit slot directory of (offset,length) pairs rather than the
// teacher's implicit two-pointer-per-slot array, because spec.md's page
// formats (internal/leaf/overflow/LOT-node) need slots of differing
// record shapes on one shared primitive. The LSN field is an expansion
// for redo recovery (spec.md §6).
package page

import (
	"encoding/binary"

	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/types"
)

// Type identifies the page's record interpretation.
type Type uint8

const (
	TypeFree Type = iota
	TypeInternal
	TypeLeaf
	TypeOverflow
	TypeLOTNode
	TypeCatalog
	TypeLOTData
)

// HeaderSize is the fixed byte size of the shared page header:
// Type(1) Flags(1) NSlots(2) Free(2) Garbage(2) Level(1) pad(1)
// PageNo(4) VolNo(2) NextLink(4) PrevLink(4) LSN(8) = 32 bytes.
const HeaderSize = 32

// slotSize is the byte size of one slot directory entry: Offset(2) Length(2).
const slotSize = 4

// FlagKill marks a page logically deleted but not yet reclaimed, the
// generalization of the teacher's page.Kill tombstone bit used during
// B-link-style right-sibling splits.
const FlagKill = uint8(1)

// Page is a typed view over one train's raw bytes. It owns no memory of
// its own; Wrap/New operate directly on the buffer manager's frame data so
// that marking a page dirty and flushing its frame are the same act.
type Page struct {
	buf []byte
}

// header field byte offsets.
const (
	offType     = 0
	offFlags    = 1
	offNSlots   = 2
	offFree     = 4
	offGarbage  = 6
	offLevel    = 8
	offPageNo   = 10
	offVolNo    = 14
	offNextLink = 16
	offPrevLink = 20
	offLSN      = 24
)

// New formats buf as a fresh empty page of the given type and id, growing
// the free region from HeaderSize to len(buf).
func New(buf []byte, typ Type, pid types.PageID) *Page {
	for i := range buf {
		buf[i] = 0
	}
	p := &Page{buf: buf}
	p.SetType(typ)
	p.setNSlots(0)
	p.setFree(uint16(HeaderSize))
	p.setGarbage(0)
	binary.LittleEndian.PutUint32(buf[offPageNo:], pid.PageNo)
	binary.LittleEndian.PutUint16(buf[offVolNo:], pid.VolNo)
	return p
}

// Wrap interprets an existing buffer as a page without reinitializing it.
func Wrap(buf []byte) *Page {
	return &Page{buf: buf}
}

func (p *Page) Bytes() []byte { return p.buf }

func (p *Page) Type() Type  { return Type(p.buf[offType]) }
func (p *Page) SetType(t Type) { p.buf[offType] = byte(t) }

func (p *Page) Flags() uint8      { return p.buf[offFlags] }
func (p *Page) SetFlags(f uint8)  { p.buf[offFlags] = f }
func (p *Page) HasFlag(f uint8) bool { return p.buf[offFlags]&f != 0 }
func (p *Page) SetFlag(f uint8)   { p.buf[offFlags] |= f }
func (p *Page) ClearFlag(f uint8) { p.buf[offFlags] &^= f }

func (p *Page) NSlots() uint16 { return binary.LittleEndian.Uint16(p.buf[offNSlots:]) }
func (p *Page) setNSlots(n uint16) {
	binary.LittleEndian.PutUint16(p.buf[offNSlots:], n)
}

func (p *Page) free() uint16 { return binary.LittleEndian.Uint16(p.buf[offFree:]) }
func (p *Page) setFree(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[offFree:], v)
}

func (p *Page) Garbage() uint16 { return binary.LittleEndian.Uint16(p.buf[offGarbage:]) }
func (p *Page) setGarbage(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[offGarbage:], v)
}

func (p *Page) Level() uint8     { return p.buf[offLevel] }
func (p *Page) SetLevel(l uint8) { p.buf[offLevel] = l }

func (p *Page) PageID() types.PageID {
	return types.PageID{
		VolNo:  binary.LittleEndian.Uint16(p.buf[offVolNo:]),
		PageNo: binary.LittleEndian.Uint32(p.buf[offPageNo:]),
	}
}

func (p *Page) NextLink() uint32 { return binary.LittleEndian.Uint32(p.buf[offNextLink:]) }
func (p *Page) SetNextLink(v uint32) {
	binary.LittleEndian.PutUint32(p.buf[offNextLink:], v)
}

func (p *Page) PrevLink() uint32 { return binary.LittleEndian.Uint32(p.buf[offPrevLink:]) }
func (p *Page) SetPrevLink(v uint32) {
	binary.LittleEndian.PutUint32(p.buf[offPrevLink:], v)
}

// LSN is the log sequence number of the most recent update applied to
// this page, used by the recovery manager's redo idempotence check
// (spec.md §6: "a redo handler must compare its log record's LSN against
// the page's stored LSN and skip if the page is already current").
func (p *Page) LSN() uint64 { return binary.LittleEndian.Uint64(p.buf[offLSN:]) }
func (p *Page) SetLSN(lsn uint64) {
	binary.LittleEndian.PutUint64(p.buf[offLSN:], lsn)
}

func (p *Page) slotOffset(slotNo uint16) int {
	return HeaderSize + int(slotNo)*slotSize
}

func (p *Page) slotAt(slotNo uint16) (offset, length uint16) {
	o := p.slotOffset(slotNo)
	return binary.LittleEndian.Uint16(p.buf[o:]), binary.LittleEndian.Uint16(p.buf[o+2:])
}

func (p *Page) setSlotAt(slotNo, offset, length uint16) {
	o := p.slotOffset(slotNo)
	binary.LittleEndian.PutUint16(p.buf[o:], offset)
	binary.LittleEndian.PutUint16(p.buf[o+2:], length)
}

// dataEnd is the first byte not available for record storage, the top of
// the highest-addressed record currently stored (or len(buf) if empty).
func (p *Page) dataEnd() uint16 {
	n := p.NSlots()
	end := uint16(len(p.buf))
	for i := uint16(0); i < n; i++ {
		off, length := p.slotAt(i)
		if length == 0 {
			continue
		}
		if off < end {
			end = off
		}
	}
	return end
}

// FreeSpace returns the number of contiguous bytes available for a new
// slot-plus-record without compaction.
func (p *Page) FreeSpace() int {
	dirEnd := p.slotOffset(p.NSlots())
	return int(p.dataEnd()) - dirEnd
}

// Slot returns the record bytes stored at slotNo. A zero-length slot is a
// deleted (tombstoned) slot.
func (p *Page) Slot(slotNo uint16) []byte {
	off, length := p.slotAt(slotNo)
	if length == 0 {
		return nil
	}
	return p.buf[off : off+length]
}

// SlotDeleted reports whether slotNo has been deleted (length 0).
func (p *Page) SlotDeleted(slotNo uint16) bool {
	_, length := p.slotAt(slotNo)
	return length == 0
}

// Append stores rec as a new, highest-numbered slot, compacting first if
// needed. ALIGNED_LENGTH alignment (spec.md §4.3) is applied so that every
// record starts at a 4-byte boundary, matching the teacher's SlotSize
// packing discipline.
func (p *Page) Append(rec []byte) (uint16, error) {
	need := alignedLength(len(rec)) + slotSize
	if p.FreeSpace() < need {
		p.Compact()
		if p.FreeSpace() < need {
			return 0, errs.New("page.Append", errs.Overflow)
		}
	}
	newEnd := p.dataEnd() - uint16(alignedLength(len(rec)))
	copy(p.buf[newEnd:], rec)
	slotNo := p.NSlots()
	p.setSlotAt(slotNo, newEnd, uint16(len(rec)))
	p.setNSlots(slotNo + 1)
	return slotNo, nil
}

// Delete tombstones slotNo: its bytes become reclaimable garbage, counted
// against Garbage until the next Compact.
func (p *Page) Delete(slotNo uint16) {
	off, length := p.slotAt(slotNo)
	if length == 0 {
		return
	}
	p.setGarbage(p.Garbage() + uint16(alignedLength(int(length))))
	p.setSlotAt(slotNo, off, 0)
}

// Replace overwrites the record at slotNo. If newRec does not fit in the
// original slot's aligned capacity the old slot is tombstoned and a new
// highest slot number is appended instead; callers that depend on stable
// slot numbers (fence-key slots) must check the returned slot number.
func (p *Page) Replace(slotNo uint16, newRec []byte) (uint16, error) {
	off, length := p.slotAt(slotNo)
	if length != 0 && alignedLength(len(newRec)) <= alignedLength(int(length)) {
		copy(p.buf[off:], newRec)
		for i := len(newRec); i < int(length); i++ {
			p.buf[int(off)+i] = 0
		}
		p.setSlotAt(slotNo, off, uint16(len(newRec)))
		return slotNo, nil
	}
	p.Delete(slotNo)
	return p.Append(newRec)
}

// Compact rebuilds the record area, dropping tombstoned slots' garbage
// and packing live records against the end of the page, matching the
// teacher's cleanPage rebuild discipline (hmarui66 bltree.go cleanPage).
func (p *Page) Compact() {
	n := p.NSlots()
	type live struct {
		slotNo uint16
		rec    []byte
	}
	var lives []live
	for i := uint16(0); i < n; i++ {
		if p.SlotDeleted(i) {
			continue
		}
		rec := p.Slot(i)
		cp := make([]byte, len(rec))
		copy(cp, rec)
		lives = append(lives, live{slotNo: i, rec: cp})
	}
	end := uint16(len(p.buf))
	for _, l := range lives {
		end -= uint16(alignedLength(len(l.rec)))
		copy(p.buf[end:], l.rec)
		p.setSlotAt(l.slotNo, end, uint16(len(l.rec)))
	}
	p.setGarbage(0)
}

// alignedLength rounds n up to a 4-byte boundary (ALIGNED_LENGTH, spec.md
// §4.3).
func alignedLength(n int) int {
	return (n + 3) &^ 3
}

// InsertAt inserts rec as the new logical entry at index, shifting the
// slot directory (not the stored record bytes) of every entry at or past
// index up by one. Used by the B+-tree and LOT node pages, which keep
// their slot array in sorted key/count order rather than insertion order.
func (p *Page) InsertAt(index uint16, rec []byte) error {
	n := p.NSlots()
	if index > n {
		return errs.New("page.InsertAt", errs.BadParameter)
	}
	need := alignedLength(len(rec)) + slotSize
	if p.FreeSpace() < need {
		p.Compact()
		if p.FreeSpace() < need {
			return errs.New("page.InsertAt", errs.Overflow)
		}
	}
	for i := n; i > index; i-- {
		off, length := p.slotAt(i - 1)
		p.setSlotAt(i, off, length)
	}
	newEnd := p.dataEnd() - uint16(alignedLength(len(rec)))
	copy(p.buf[newEnd:], rec)
	p.setSlotAt(index, newEnd, uint16(len(rec)))
	p.setNSlots(n + 1)
	return nil
}

// RemoveAt deletes the logical entry at index, shifting later entries'
// slot-directory positions down by one and accounting the freed bytes as
// garbage for the next Compact.
func (p *Page) RemoveAt(index uint16) {
	n := p.NSlots()
	if index >= n {
		return
	}
	_, length := p.slotAt(index)
	if length != 0 {
		p.setGarbage(p.Garbage() + uint16(alignedLength(int(length))))
	}
	for i := index; i < n-1; i++ {
		off, l := p.slotAt(i + 1)
		p.setSlotAt(i, off, l)
	}
	p.setNSlots(n - 1)
}
