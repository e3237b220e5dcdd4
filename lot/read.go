package lot

import (
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
)

// Read returns the n bytes starting at offset. offset+n must not exceed the
// object's current length.
func (t *Tree) Read(offset, n int64) ([]byte, error) {
	total, err := t.Len()
	if err != nil {
		return nil, err
	}
	if offset < 0 || n < 0 || offset+n > total {
		return nil, errs.New("lot.Read", errs.BadParameter)
	}
	if n == 0 {
		return []byte{}, nil
	}

	out := make([]byte, 0, n)
	if !t.Separated() {
		if err := t.readSpan(t.Root.Entries, t.Root.Height, offset, n, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	pf, p, err := t.fetchPage(t.RootPID)
	if err != nil {
		return nil, err
	}
	entries := decodeNodeEntries(p)
	height := p.Level()
	pf.Release()

	if err := t.readSpan(entries, height, offset, n, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// readSpan walks entries (already resident in memory, in cumulative-count
// order) collecting the n bytes starting at offset into out. height==1
// means entries reference data pages directly; higher heights reference
// further node pages that are fetched and decoded on demand.
func (t *Tree) readSpan(entries []page.LOTNodeRecord, height uint8, offset, n int64, out *[]byte) error {
	if n <= 0 {
		return nil
	}
	idx, local := locate(entries, offset)
	for n > 0 && idx < len(entries) {
		e := entries[idx]
		avail := int64(e.Count) - local
		take := n
		if take > avail {
			take = avail
		}
		if take > 0 {
			if height <= 1 {
				buf, err := t.readDataPage(e.Child)
				if err != nil {
					return err
				}
				*out = append(*out, buf[local:local+take]...)
			} else {
				pf, cp, err := t.fetchPage(e.Child)
				if err != nil {
					return err
				}
				childEntries := decodeNodeEntries(cp)
				childHeight := cp.Level()
				pf.Release()
				if err := t.readSpan(childEntries, childHeight, local, take, out); err != nil {
					return err
				}
			}
		}
		n -= take
		idx++
		local = 0
	}
	if n > 0 {
		return errs.New("lot.Read", errs.Corruption)
	}
	return nil
}
