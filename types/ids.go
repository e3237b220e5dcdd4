// Package types defines the identifiers shared by every layer of the
// storage core: PageID, TrainID, ObjectID, FileID, IndexID and
// PhysicalIndexID, per spec.md §3. Encoding follows the teacher's BtId
// convention in bufmgr.go/bltree.go (PutID/GetID): a little-endian,
// fixed-width byte array rather than a Go struct laid directly over page
// bytes, so on-disk layout is explicit instead of relying on type punning
// (spec.md §9 "Type punning over page bytes").
package types

import "encoding/binary"

// BtId is the on-disk byte width of an encoded PageID: 2 bytes volNo + 4
// bytes pageNo.
const BtId = 6

// PageID identifies a single page within a volume.
type PageID struct {
	VolNo  uint16
	PageNo uint32
}

// TrainID identifies a train by the PageID of its first page. Only trains
// of size 1 or TrainSize are valid (spec.md §3).
type TrainID = PageID

// ObjectID identifies a stored object/tuple by its slot within a page,
// disambiguated across reuse by a unique tag.
type ObjectID struct {
	VolNo    uint16
	PageNo   uint32
	SlotNo   uint16
	UniqueID uint32
}

// FileID identifies an object file within a volume.
type FileID struct {
	VolNo  uint16
	Serial uint32
}

// IndexID identifies a B+-tree index within a volume.
type IndexID struct {
	VolNo  uint16
	Serial uint32
}

// PhysicalIndexID identifies an index by the volume and page number of its
// current root page. Unlike IndexID, it changes when the root splits.
type PhysicalIndexID struct {
	VolNo      uint16
	RootPageNo uint32
}

// Encode writes p as BtId little-endian bytes: volNo (2 bytes) then pageNo
// (4 bytes).
func (p PageID) Encode() [BtId]byte {
	var b [BtId]byte
	binary.LittleEndian.PutUint16(b[0:2], p.VolNo)
	binary.LittleEndian.PutUint32(b[2:6], p.PageNo)
	return b
}

// DecodePageID is the inverse of Encode.
func DecodePageID(b []byte) PageID {
	return PageID{
		VolNo:  binary.LittleEndian.Uint16(b[0:2]),
		PageNo: binary.LittleEndian.Uint32(b[2:6]),
	}
}

// Zero reports whether p is the zero PageID (used as a nil link sentinel in
// page headers, matching the teacher's GetID(&page.Right) == 0 convention).
func (p PageID) Zero() bool { return p.VolNo == 0 && p.PageNo == 0 }

// Encode writes o as a fixed 16-byte little-endian record.
func (o ObjectID) Encode() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint16(b[0:2], o.VolNo)
	binary.LittleEndian.PutUint32(b[2:6], o.PageNo)
	binary.LittleEndian.PutUint16(b[6:8], o.SlotNo)
	binary.LittleEndian.PutUint32(b[8:12], o.UniqueID)
	return b
}

// DecodeObjectID is the inverse of Encode.
func DecodeObjectID(b []byte) ObjectID {
	return ObjectID{
		VolNo:    binary.LittleEndian.Uint16(b[0:2]),
		PageNo:   binary.LittleEndian.Uint32(b[2:6]),
		SlotNo:   binary.LittleEndian.Uint16(b[6:8]),
		UniqueID: binary.LittleEndian.Uint32(b[8:12]),
	}
}

// ObjectIDSize is the encoded byte width of an ObjectID.
const ObjectIDSize = 16

// Less orders ObjectIDs for sorting overflow chains and breaking ties
// between equal leaf keys (spec.md §4.4 "Ties ... broken by ObjectID").
func (o ObjectID) Less(other ObjectID) bool {
	if o.VolNo != other.VolNo {
		return o.VolNo < other.VolNo
	}
	if o.PageNo != other.PageNo {
		return o.PageNo < other.PageNo
	}
	if o.SlotNo != other.SlotNo {
		return o.SlotNo < other.SlotNo
	}
	return o.UniqueID < other.UniqueID
}
