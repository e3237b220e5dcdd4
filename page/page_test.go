package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odysseus-cosmos/storage-core/types"
)

func newTestPage(t *testing.T) *Page {
	t.Helper()
	buf := make([]byte, 4096)
	return New(buf, TypeLeaf, types.PageID{VolNo: 1, PageNo: 7})
}

func TestNewPageHeaderFields(t *testing.T) {
	p := newTestPage(t)
	require.Equal(t, TypeLeaf, p.Type())
	require.Equal(t, uint16(0), p.NSlots())
	require.Equal(t, types.PageID{VolNo: 1, PageNo: 7}, p.PageID())
	require.Equal(t, uint64(0), p.LSN())
}

func TestAppendAndReadSlots(t *testing.T) {
	p := newTestPage(t)
	s0, err := p.Append([]byte("alpha"))
	require.NoError(t, err)
	s1, err := p.Append([]byte("beta"))
	require.NoError(t, err)

	require.Equal(t, uint16(0), s0)
	require.Equal(t, uint16(1), s1)
	require.Equal(t, []byte("alpha"), p.Slot(s0))
	require.Equal(t, []byte("beta"), p.Slot(s1))
	require.Equal(t, uint16(2), p.NSlots())
}

func TestDeleteAndCompactReclaimsSpace(t *testing.T) {
	p := newTestPage(t)
	before := p.FreeSpace()
	s0, err := p.Append([]byte("garbage-record"))
	require.NoError(t, err)
	afterInsert := p.FreeSpace()
	require.Less(t, afterInsert, before)

	p.Delete(s0)
	require.True(t, p.SlotDeleted(s0))
	require.Greater(t, p.Garbage(), uint16(0))

	p.Compact()
	require.Equal(t, uint16(0), p.Garbage())
}

func TestReplaceGrowsIntoNewSlotWhenTooBig(t *testing.T) {
	p := newTestPage(t)
	s0, err := p.Append([]byte("ab"))
	require.NoError(t, err)

	newSlot, err := p.Replace(s0, []byte("a much longer replacement payload"))
	require.NoError(t, err)
	require.NotEqual(t, s0, newSlot)
	require.True(t, p.SlotDeleted(s0))
	require.Equal(t, []byte("a much longer replacement payload"), p.Slot(newSlot))
}

func TestReplaceInPlaceWhenFits(t *testing.T) {
	p := newTestPage(t)
	s0, err := p.Append([]byte("abcdefgh"))
	require.NoError(t, err)

	newSlot, err := p.Replace(s0, []byte("xy"))
	require.NoError(t, err)
	require.Equal(t, s0, newSlot)
	require.Equal(t, []byte("xy"), p.Slot(newSlot))
}

func TestLeafRecordRoundTrip(t *testing.T) {
	oid := types.ObjectID{VolNo: 1, PageNo: 5, SlotNo: 2, UniqueID: 99}
	rec := LeafRecord{
		Key:      []byte("key-123"),
		OID:      oid,
		Overflow: types.PageID{VolNo: 1, PageNo: 42},
		Count:    3,
	}
	encoded := EncodeLeaf(rec)
	decoded := DecodeLeaf(encoded)
	require.Equal(t, rec, decoded)
}

func TestInternalRecordRoundTrip(t *testing.T) {
	rec := InternalRecord{Child: types.PageID{VolNo: 2, PageNo: 100}, Key: []byte("sep")}
	decoded := DecodeInternal(EncodeInternal(rec))
	require.Equal(t, rec, decoded)
}

func TestLOTNodeRecordRoundTrip(t *testing.T) {
	rec := LOTNodeRecord{Child: types.PageID{VolNo: 3, PageNo: 9}, Count: 4096}
	decoded := DecodeLOTNode(EncodeLOTNode(rec))
	require.Equal(t, rec, decoded)
}

func TestAppendFailsWhenPageFull(t *testing.T) {
	p := newTestPage(t)
	big := make([]byte, 4096)
	_, err := p.Append(big)
	require.Error(t, err)
}
