package btm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/rdsm"
	"github.com/odysseus-cosmos/storage-core/types"
)

func newTestTree(t *testing.T, frames uint) (*Tree, *bfm.Pool, uint32) {
	t.Helper()
	dev := rdsm.NewMemDevice()
	vol, err := rdsm.Format([]rdsm.Device{dev}, "btm-test", 16, []uint32{4096}, false)
	require.NoError(t, err)

	table := rdsm.NewTable()
	volNo, err := table.Mount(vol)
	require.NoError(t, err)

	pool := bfm.NewPool(table, frames, 8)

	pids, err := vol.AllocTrains(nil, 1.0, 1, 1, 8)
	require.NoError(t, err)
	rootPid := pids[0]
	rootPid.VolNo = uint16(volNo)

	desc := KeyDesc{Columns: []Column{{Type: ColInt64, Order: Ascending}}}
	tree, err := CreateIndex(pool, uint16(volNo), rootPid, desc)
	require.NoError(t, err)
	return tree, pool, volNo
}

func intKey(t *testing.T, tree *Tree, v int64) []byte {
	t.Helper()
	k, err := Encode(tree.desc, []KeyValue{{Int: v}})
	require.NoError(t, err)
	return k
}

func TestInsertFetchSingleEntry(t *testing.T) {
	tree, _, volNo := newTestTree(t, 64)
	key := intKey(t, tree, 42)
	oid := types.ObjectID{VolNo: uint16(volNo), PageNo: 10, SlotNo: 1, UniqueID: 1}

	require.NoError(t, tree.Insert(key, oid))

	c, err := tree.Fetch(key)
	require.NoError(t, err)
	defer c.Close()

	gotKey, gotOID, ok, err := c.FetchNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key, gotKey)
	require.Equal(t, oid, gotOID)

	_, _, ok, err = c.FetchNext()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertManyTriggersSplitsAndScansInOrder(t *testing.T) {
	tree, _, volNo := newTestTree(t, 256)
	const n = 400
	for i := 0; i < n; i++ {
		key := intKey(t, tree, int64(i))
		oid := types.ObjectID{VolNo: uint16(volNo), PageNo: uint32(i), SlotNo: 0, UniqueID: uint32(i)}
		require.NoError(t, tree.Insert(key, oid))
	}

	c, err := tree.Fetch(intKey(t, tree, 0))
	require.NoError(t, err)
	defer c.Close()

	count := 0
	var last int64 = -1
	for {
		_, oid, ok, err := c.FetchNext()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Greater(t, int64(oid.UniqueID), last)
		last = int64(oid.UniqueID)
		count++
	}
	require.Equal(t, n, count)

	pages, err := tree.GetStatistics(1000)
	require.NoError(t, err)
	var leaves int
	for _, p := range pages {
		if p.Type == page.TypeLeaf {
			leaves++
		}
	}
	require.Greater(t, leaves, 1)

	_, err = tree.GetStatistics(1)
	require.Error(t, err)
	require.Equal(t, errs.BadParameter, errs.CodeOf(err))
}

func TestDuplicateKeysChainIntoOverflow(t *testing.T) {
	tree, _, volNo := newTestTree(t, 64)
	key := intKey(t, tree, 7)

	for i := 0; i < 5; i++ {
		oid := types.ObjectID{VolNo: uint16(volNo), PageNo: 1, SlotNo: uint16(i), UniqueID: uint32(i)}
		require.NoError(t, tree.Insert(key, oid))
	}

	c, err := tree.Fetch(key)
	require.NoError(t, err)
	defer c.Close()

	seen := map[uint32]bool{}
	for {
		gotKey, oid, ok, err := c.FetchNext()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, key, gotKey)
		seen[oid.UniqueID] = true
	}
	require.Len(t, seen, 5)
}

func TestDeleteRemovesEntry(t *testing.T) {
	tree, _, volNo := newTestTree(t, 64)
	key := intKey(t, tree, 99)
	oid := types.ObjectID{VolNo: uint16(volNo), PageNo: 1, SlotNo: 0, UniqueID: 1}
	require.NoError(t, tree.Insert(key, oid))

	require.NoError(t, tree.Delete(key, oid))

	c, err := tree.Fetch(key)
	require.NoError(t, err)
	defer c.Close()
	_, _, ok, err := c.FetchNext()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteUnknownKeyErrors(t *testing.T) {
	tree, _, volNo := newTestTree(t, 64)
	key := intKey(t, tree, 5)
	oid := types.ObjectID{VolNo: uint16(volNo), PageNo: 1, UniqueID: 1}
	err := tree.Delete(key, oid)
	require.Error(t, err)
}

func TestInsertDeleteManyPreservesRemainder(t *testing.T) {
	tree, _, volNo := newTestTree(t, 256)
	const n = 200
	oids := make([]types.ObjectID, n)
	for i := 0; i < n; i++ {
		key := intKey(t, tree, int64(i))
		oid := types.ObjectID{VolNo: uint16(volNo), PageNo: uint32(i), UniqueID: uint32(i)}
		oids[i] = oid
		require.NoError(t, tree.Insert(key, oid))
	}
	for i := 0; i < n; i += 2 {
		require.NoError(t, tree.Delete(intKey(t, tree, int64(i)), oids[i]))
	}

	for i := 1; i < n; i += 2 {
		c, err := tree.Fetch(intKey(t, tree, int64(i)))
		require.NoError(t, err)
		_, oid, ok, err := c.FetchNext()
		require.NoError(t, err)
		require.True(t, ok, fmt.Sprintf("expected key %d to survive", i))
		require.Equal(t, oids[i], oid)
		c.Close()
	}
}
