package page

import (
	"encoding/binary"

	"github.com/odysseus-cosmos/storage-core/types"
)

// InternalRecord is one (separator key, child page) pair stored in an
// internal B+-tree page's slot. Layout: ChildPageNo(4) ChildVolNo(2)
// KeyLen(2) Key(KeyLen), mirroring the teacher's key+id packing
// (bltree.go PutID/GetID alongside an inline key) generalized to carry an
// explicit VolNo instead of assuming a single-volume index.
type InternalRecord struct {
	Child types.PageID
	Key   []byte
}

func EncodeInternal(r InternalRecord) []byte {
	buf := make([]byte, 4+2+2+len(r.Key))
	binary.LittleEndian.PutUint32(buf[0:], r.Child.PageNo)
	binary.LittleEndian.PutUint16(buf[4:], r.Child.VolNo)
	binary.LittleEndian.PutUint16(buf[6:], uint16(len(r.Key)))
	copy(buf[8:], r.Key)
	return buf
}

func DecodeInternal(b []byte) InternalRecord {
	keyLen := binary.LittleEndian.Uint16(b[6:])
	r := InternalRecord{
		Child: types.PageID{
			PageNo: binary.LittleEndian.Uint32(b[0:]),
			VolNo:  binary.LittleEndian.Uint16(b[4:]),
		},
	}
	r.Key = append([]byte(nil), b[8:8+keyLen]...)
	return r
}

// LeafRecord is one (key, OID-chain head) entry in a leaf page. When more
// than one object shares an equal key, Overflow points to the head of an
// overflow chain holding every object under the key, the first one
// included (spec.md §4.4 "duplicate-key overflow chains"); while Overflow
// is set, OID is not consulted by Delete or the cursor. Count is the
// total number of objects under this key.
type LeafRecord struct {
	Key      []byte
	OID      types.ObjectID
	Overflow types.PageID // zero if no overflow chain
	Count    uint32
}

func EncodeLeaf(r LeafRecord) []byte {
	buf := make([]byte, 2+len(r.Key)+types.ObjectIDSize+4+2+4)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Key)))
	off += 2
	copy(buf[off:], r.Key)
	off += len(r.Key)
	oid := r.OID.Encode()
	copy(buf[off:], oid[:])
	off += types.ObjectIDSize
	binary.LittleEndian.PutUint32(buf[off:], r.Overflow.PageNo)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], r.Overflow.VolNo)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], r.Count)
	return buf
}

func DecodeLeaf(b []byte) LeafRecord {
	off := 0
	keyLen := binary.LittleEndian.Uint16(b[off:])
	off += 2
	key := append([]byte(nil), b[off:off+int(keyLen)]...)
	off += int(keyLen)
	oid := types.DecodeObjectID(b[off : off+types.ObjectIDSize])
	off += types.ObjectIDSize
	pageNo := binary.LittleEndian.Uint32(b[off:])
	off += 4
	volNo := binary.LittleEndian.Uint16(b[off:])
	off += 2
	count := binary.LittleEndian.Uint32(b[off:])
	return LeafRecord{
		Key:      key,
		OID:      oid,
		Overflow: types.PageID{VolNo: volNo, PageNo: pageNo},
		Count:    count,
	}
}

// OverflowEntrySize is the fixed size of one ObjectID record in an
// overflow chain page; overflow pages use the ordinary slot directory,
// one ObjectID per slot.
const OverflowEntrySize = types.ObjectIDSize

// LOTNodeRecord is one child pointer in a large-object-tree internal node:
// the child page and the byte span of the subtree under it (that child's
// own span, not a running total), summed entry by entry to locate an
// offset (spec.md §4.5).
type LOTNodeRecord struct {
	Child types.PageID
	Count uint32
}

const LOTNodeRecordSize = 4 + 2 + 4

func EncodeLOTNode(r LOTNodeRecord) []byte {
	buf := make([]byte, LOTNodeRecordSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Child.PageNo)
	binary.LittleEndian.PutUint16(buf[4:], r.Child.VolNo)
	binary.LittleEndian.PutUint32(buf[6:], r.Count)
	return buf
}

func DecodeLOTNode(b []byte) LOTNodeRecord {
	return LOTNodeRecord{
		Child: types.PageID{
			PageNo: binary.LittleEndian.Uint32(b[0:]),
			VolNo:  binary.LittleEndian.Uint16(b[4:]),
		},
		Count: binary.LittleEndian.Uint32(b[6:]),
	}
}
