package lot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/rdsm"
	"github.com/odysseus-cosmos/storage-core/types"
)

func newTestTree(t *testing.T, frames uint) (*Tree, uint32) {
	t.Helper()
	dev := rdsm.NewMemDevice()
	vol, err := rdsm.Format([]rdsm.Device{dev}, "lot-test", 64, []uint32{4096}, false)
	require.NoError(t, err)

	table := rdsm.NewTable()
	volNo, err := table.Mount(vol)
	require.NoError(t, err)

	pool := bfm.NewPool(table, frames, 1)

	fileID := types.FileID{VolNo: uint16(volNo), Serial: 1}
	tree := New(pool, uint16(volNo), fileID, 1.0)
	return tree, volNo
}

func TestAppendAndReadSmall(t *testing.T) {
	tree, _ := newTestTree(t, 64)

	require.NoError(t, tree.Append([]byte("hello")))
	require.NoError(t, tree.Append([]byte(" world")))

	got, err := tree.Read(0, 11)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	require.NoError(t, tree.Delete(5, 1))
	got, err = tree.Read(0, 10)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(got))
}

func TestInsertMidStream(t *testing.T) {
	tree, _ := newTestTree(t, 64)
	require.NoError(t, tree.Append([]byte("helloworld")))
	require.NoError(t, tree.Insert(5, []byte(" cruel ")))

	got, err := tree.Read(0, 17)
	require.NoError(t, err)
	require.Equal(t, "hello cruel world", string(got))
}

func TestEmptyTreeHasZeroLength(t *testing.T) {
	tree, _ := newTestTree(t, 16)
	n, err := tree.Len()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	got, err := tree.Read(0, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{}, got)
}

func TestAppendManySeparatesRootAndSplitsNodes(t *testing.T) {
	tree, _ := newTestTree(t, 512)

	chunk := bytes.Repeat([]byte{0xAB}, dataPageCapacity)
	// one LOT node page holds 254 entries, so 255 data pages force a split
	const chunks = 255
	var want []byte
	for i := 0; i < chunks; i++ {
		b := bytes.Repeat([]byte{byte(i)}, len(chunk))
		want = append(want, b...)
		require.NoError(t, tree.Append(b))
	}

	require.True(t, tree.Separated(), "root should have migrated to a standalone page by now")

	n, err := tree.Len()
	require.NoError(t, err)
	require.Equal(t, int64(len(want)), n)

	got, err := tree.Read(0, n)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestInsertAcrossPageBoundaryAfterSeparation(t *testing.T) {
	tree, _ := newTestTree(t, 512)

	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Append(bytes.Repeat([]byte{byte(i)}, dataPageCapacity)))
	}
	require.True(t, tree.Separated())

	mid := dataPageCapacity * 10
	require.NoError(t, tree.Insert(int64(mid), []byte("marker")))

	got, err := tree.Read(int64(mid), 6)
	require.NoError(t, err)
	require.Equal(t, "marker", string(got))
}

func TestDeleteManyTriggersNodeMergeAndRootCollapse(t *testing.T) {
	tree, _ := newTestTree(t, 512)

	// enough data pages to split the root node (254 entries per node page)
	const chunks = 255
	for i := 0; i < chunks; i++ {
		require.NoError(t, tree.Append(bytes.Repeat([]byte{byte(i)}, dataPageCapacity)))
	}
	require.True(t, tree.Separated())

	total, err := tree.Len()
	require.NoError(t, err)

	// Delete all but the last page's worth of data, forcing repeated
	// node merges and eventually a root collapse back toward height 1.
	require.NoError(t, tree.Delete(0, total-int64(dataPageCapacity)))

	remaining, err := tree.Len()
	require.NoError(t, err)
	require.Equal(t, int64(dataPageCapacity), remaining)

	got, err := tree.Read(0, remaining)
	require.NoError(t, err)
	want := bytes.Repeat([]byte{byte(chunks - 1)}, dataPageCapacity)
	require.Equal(t, want, got)
}

func TestDestroyFreesEmbeddedObject(t *testing.T) {
	tree, _ := newTestTree(t, 16)
	require.NoError(t, tree.Append([]byte("small object")))
	require.NoError(t, tree.Destroy())

	n, err := tree.Len()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestDestroyFreesSeparatedObject(t *testing.T) {
	tree, _ := newTestTree(t, 512)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Append(bytes.Repeat([]byte{byte(i)}, dataPageCapacity)))
	}
	require.True(t, tree.Separated())
	require.NoError(t, tree.Destroy())
	require.False(t, tree.Separated())
}
