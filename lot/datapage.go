package lot

import (
	"encoding/binary"

	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

// data pages are height-0 leaves: a raw byte run past the shared page
// header, with no slot directory, since a LOT's payload is an opaque
// stream rather than discrete records. Layout after page.HeaderSize:
// usedLen(4) + bytes[0:usedLen].

func dataPageUsed(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[page.HeaderSize:])
}

func dataPageSetUsed(buf []byte, n uint32) {
	binary.LittleEndian.PutUint32(buf[page.HeaderSize:], n)
}

func dataPageBytes(buf []byte) []byte {
	start := page.HeaderSize + 4
	return buf[start : start+int(dataPageUsed(buf))]
}

// newDataPage allocates a fresh data page preloaded with payload
// (len(payload) must be <= dataPageCapacity) and releases its frame before
// returning the new PageID.
func (t *Tree) newDataPage(near *types.PageID, payload []byte) (types.PageID, error) {
	pid, err := t.allocNear(near)
	if err != nil {
		return types.PageID{}, err
	}
	f, err := t.pool.GetNewTrain(pid, 1)
	if err != nil {
		return types.PageID{}, err
	}
	buf := f.Data()
	page.New(buf, page.TypeLOTData, pid)
	dataPageSetUsed(buf, uint32(len(payload)))
	copy(buf[page.HeaderSize+4:], payload)
	f.SetDirty()
	f.Release()
	return pid, nil
}

// readDataPage pins pid, copies out its used bytes, and releases it.
func (t *Tree) readDataPage(pid types.PageID) ([]byte, error) {
	f, err := t.pool.GetTrain(pid, 1)
	if err != nil {
		return nil, err
	}
	defer f.Release()
	return append([]byte(nil), dataPageBytes(f.Data())...), nil
}

// withDataPage pins pid, hands the raw train buffer to fn, marks dirty on
// success, and releases. fn must only touch the region past the shared
// page header (the used-length prefix and payload bytes).
func (t *Tree) withDataPage(pid types.PageID, fn func(buf []byte) error) error {
	f, err := t.pool.GetTrain(pid, 1)
	if err != nil {
		return err
	}
	defer f.Release()
	if err := fn(f.Data()); err != nil {
		return err
	}
	f.SetDirty()
	return nil
}
