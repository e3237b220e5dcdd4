// Package btm implements the B+-tree access method (C4): composite key
// comparison, pinned (unlatched) root-to-leaf descent, split/merge and a
// forward scan cursor, layered on bfm.Pool and page.Page. Grounded in the
// teacher's BLTree (bltree.go): InsertKey/DeleteKey's descent loop,
// splitPage/splitRoot's split-at-median-then-promote-key shape, and
// RangeScan's leaf-chain walk — generalized from the teacher's flat byte
// keys to spec.md's multi-column KeyDesc/KeyValue comparison and from
// discard-on-duplicate to overflow-chained duplicates.
package btm

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/odysseus-cosmos/storage-core/errs"
)

// ColumnType is the encoding/comparison discipline for one key column.
type ColumnType uint8

const (
	ColInt32 ColumnType = iota
	ColInt64
	ColFloat64
	ColString
	ColBytes
)

// SortOrder controls whether a column orders ascending or descending.
type SortOrder uint8

const (
	Ascending SortOrder = iota
	Descending
)

// Column describes one column of a composite key.
type Column struct {
	Type  ColumnType
	Order SortOrder
}

// KeyDesc describes the composite key shape of one index, the
// generalization of the teacher's single flat byte-string key (spec.md
// §4.4 "multi-column lexicographic comparison").
type KeyDesc struct {
	Columns []Column
}

// KeyValue is one column value prior to encoding.
type KeyValue struct {
	Int    int64
	Float  float64
	Bytes  []byte
}

// Encode packs vals according to desc into the flat, order-preserving byte
// string stored in a leaf/internal slot. String and bytes columns carry a
// 4-byte length prefix so Compare can recover column boundaries; numeric
// columns are fixed width, using a sign-and-order-preserving big-endian
// encoding.
func Encode(desc KeyDesc, vals []KeyValue) ([]byte, error) {
	if len(vals) != len(desc.Columns) {
		return nil, errs.New("btm.Encode", errs.BadKeyValue)
	}
	var buf bytes.Buffer
	for i, col := range desc.Columns {
		v := vals[i]
		switch col.Type {
		case ColInt32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(v.Int)^0x80000000)
			buf.Write(b[:])
		case ColInt64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v.Int)^0x8000000000000000)
			buf.Write(b[:])
		case ColFloat64:
			bits := floatSortableBits(v.Float)
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], bits)
			buf.Write(b[:])
		case ColString, ColBytes:
			var lb [4]byte
			binary.BigEndian.PutUint32(lb[:], uint32(len(v.Bytes)))
			buf.Write(lb[:])
			buf.Write(v.Bytes)
		default:
			return nil, errs.New("btm.Encode", errs.BadKeyValue)
		}
	}
	return buf.Bytes(), nil
}

// floatSortableBits maps a float64 to a uint64 whose unsigned ordering
// matches the float's numeric ordering.
func floatSortableBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&0x8000000000000000 != 0 {
		return ^bits
	}
	return bits | 0x8000000000000000
}

// Compare orders two encoded keys according to desc, applying each
// column's SortOrder and, when every column ties, leaves tie-breaking to
// the caller (btm uses the trailing ObjectID for that, spec.md §4.4).
func Compare(desc KeyDesc, a, b []byte) int {
	ao, bo := 0, 0
	for _, col := range desc.Columns {
		var av, bv []byte
		var w int
		switch col.Type {
		case ColInt32:
			w = 4
		case ColInt64, ColFloat64:
			w = 8
		case ColString, ColBytes:
			al := int(binary.BigEndian.Uint32(a[ao:]))
			bl := int(binary.BigEndian.Uint32(b[bo:]))
			ao += 4
			bo += 4
			av = a[ao : ao+al]
			bv = b[bo : bo+bl]
			ao += al
			bo += bl
		}
		if w > 0 {
			av = a[ao : ao+w]
			bv = b[bo : bo+w]
			ao += w
			bo += w
		}
		c := bytes.Compare(av, bv)
		if col.Order == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
