package sm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/rdsm"
	"github.com/odysseus-cosmos/storage-core/types"
)

func newTestCatalog(t *testing.T) (*Catalog, uint16) {
	t.Helper()
	dev := rdsm.NewMemDevice()
	vol, err := rdsm.Format([]rdsm.Device{dev}, "sm-test", 16, []uint32{4096}, false)
	require.NoError(t, err)

	table := rdsm.NewTable()
	volNo, err := table.Mount(vol)
	require.NoError(t, err)

	pool := bfm.NewPool(table, 256, 8)

	pids, err := vol.AllocTrains(nil, 1.0, 2, 1, 8)
	require.NoError(t, err)
	fileRoot := types.PageID{VolNo: uint16(volNo), PageNo: pids[0].PageNo}
	indexRoot := types.PageID{VolNo: uint16(volNo), PageNo: pids[1].PageNo}

	cat, err := Create(pool, uint16(volNo), fileRoot, indexRoot)
	require.NoError(t, err)
	return cat, uint16(volNo)
}

func TestGetNewFileIDAvoidsCollisions(t *testing.T) {
	cat, volNo := newTestCatalog(t)

	fid1, err := cat.GetNewFileID()
	require.NoError(t, err)
	require.Equal(t, volNo, fid1.VolNo)

	require.NoError(t, cat.RegisterFileID(fid1, types.ObjectID{VolNo: volNo, PageNo: 1, UniqueID: 1}))

	fid2, err := cat.GetNewFileID()
	require.NoError(t, err)
	require.NotEqual(t, fid1.Serial, fid2.Serial)
}

func TestGetCatalogEntryFromIndexIDResolvesRegisteredIndex(t *testing.T) {
	cat, volNo := newTestCatalog(t)
	index := types.IndexID{VolNo: volNo, Serial: 7}
	catalogEntry := types.ObjectID{VolNo: volNo, PageNo: 3, SlotNo: 0, UniqueID: 9}

	require.NoError(t, cat.RegisterIndex(index, catalogEntry, 42))

	oid, pIid, err := cat.GetCatalogEntryFromIndexID(index, true)
	require.NoError(t, err)
	require.Equal(t, catalogEntry, oid)
	require.Equal(t, uint32(42), pIid.RootPageNo)
}

func TestGetCatalogEntryFromIndexIDResolvesTempIndex(t *testing.T) {
	cat, volNo := newTestCatalog(t)
	index := types.IndexID{VolNo: volNo, Serial: 99}
	cat.RegisterTempIndex(index, 17)

	oid, pIid, err := cat.GetCatalogEntryFromIndexID(index, true)
	require.NoError(t, err)
	require.Equal(t, nilPageNo, oid.PageNo)
	require.Equal(t, uint32(17), pIid.RootPageNo)
}

func TestGetCatalogEntryFromIndexIDUnknownErrors(t *testing.T) {
	cat, volNo := newTestCatalog(t)
	_, _, err := cat.GetCatalogEntryFromIndexID(types.IndexID{VolNo: volNo, Serial: 123}, false)
	require.Error(t, err)
	require.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestUpdateRootPageKeepsPhysicalIndexIDCurrent(t *testing.T) {
	cat, volNo := newTestCatalog(t)
	index := types.IndexID{VolNo: volNo, Serial: 7}
	require.NoError(t, cat.RegisterIndex(index, types.ObjectID{VolNo: volNo, UniqueID: 1}, 42))

	cat.UpdateRootPage(index, 84)

	_, pIid, err := cat.GetCatalogEntryFromIndexID(index, true)
	require.NoError(t, err)
	require.Equal(t, uint32(84), pIid.RootPageNo)
}
