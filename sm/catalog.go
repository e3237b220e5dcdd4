// Package sm implements the catalog gateway (C7): resolving a FileID or
// IndexID against the system catalog and minting new FileIDs, grounded in
// sm_GetNewFileId.c and sm_GetCatalogEntryFromIndexId.c (original_source).
// Both system indices (file-id, index-id) are ordinary btm.Tree instances
// keyed on the same (volNo, serial) composite shape the originals use for
// SM_SYSTABLES and SM_SYSINDEXES.
package sm

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/btm"
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/logging"
	"github.com/odysseus-cosmos/storage-core/types"
)

var log = logging.Component("sm")

// nilPageNo/nilSlotNo mirror the original's NIL sentinel for a temporary
// index's catalog ObjectID, which never corresponds to a real page.
const (
	nilPageNo uint32 = ^uint32(0)
	nilSlotNo uint16 = ^uint16(0)
)

// idKeyDesc is the two-column (volNo, serial) composite key shared by
// SM_SYSTABLES' file-id index and SM_SYSINDEXES' index-id index.
var idKeyDesc = btm.KeyDesc{Columns: []btm.Column{
	{Type: btm.ColInt32, Order: btm.Ascending},
	{Type: btm.ColInt32, Order: btm.Ascending},
}}

func idKey(volNo uint16, serial uint32) ([]byte, error) {
	return btm.Encode(idKeyDesc, []btm.KeyValue{{Int: int64(volNo)}, {Int: int64(serial)}})
}

// tempIndexEntry mirrors one entry of SM_SI_FOR_TMP_FILES: an index
// defined on a temporary file, which never gets a row in the on-disk
// catalog.
type tempIndexEntry struct {
	rootPage uint32
}

// Catalog resolves FileID/IndexID identifiers against a volume's system
// catalog indices and mints new FileIDs.
type Catalog struct {
	volNo uint16

	fileIDIndex  *btm.Tree // SM_SYSTABLES' file-id index
	indexIDIndex *btm.Tree // SM_SYSINDEXES' index-id index

	// fileSerial mirrors smSysSerialForFileCounter. The original draws it
	// from a shared on-disk counter file (SM_GetCounterValues); this
	// build keeps it as a process-local atomic counter instead, since the
	// generic counter-file subsystem behind it is out of scope here (see
	// DESIGN.md) — callers that need the counter durable across restarts
	// persist fileSerial themselves via Catalog.FileSerial/SetFileSerial.
	fileSerial uint32

	// rootPages caches each cataloged index's current root page, which
	// the original re-derives per call via OM_ReadObject against the
	// SM_SYSINDEXES tuple; the generic object manager that read sits
	// behind is out of scope here, so RegisterIndex/UpdateRootPage keep
	// this cache current directly instead (see DESIGN.md).
	rootPages sync.Map // types.IndexID -> uint32

	tempIndexes sync.Map // types.IndexID -> tempIndexEntry
}

// Open attaches a Catalog to a volume's already-created system indices.
func Open(volNo uint16, fileIDIndex, indexIDIndex *btm.Tree) *Catalog {
	return &Catalog{volNo: volNo, fileIDIndex: fileIDIndex, indexIDIndex: indexIDIndex}
}

// Create formats fresh file-id and index-id system indices and returns a
// Catalog backed by them, for bootstrapping a new volume's catalog.
func Create(pool *bfm.Pool, volNo uint16, fileIDRoot, indexIDRoot types.PageID) (*Catalog, error) {
	fileIDIndex, err := btm.CreateIndex(pool, volNo, fileIDRoot, idKeyDesc)
	if err != nil {
		return nil, err
	}
	indexIDIndex, err := btm.CreateIndex(pool, volNo, indexIDRoot, idKeyDesc)
	if err != nil {
		return nil, err
	}
	return Open(volNo, fileIDIndex, indexIDIndex), nil
}

// FileSerial returns the counter's current value, for a caller that
// persists it across restarts.
func (c *Catalog) FileSerial() uint32 { return atomic.LoadUint32(&c.fileSerial) }

// SetFileSerial restores the counter after a restart.
func (c *Catalog) SetFileSerial(v uint32) { atomic.StoreUint32(&c.fileSerial, v) }

// fetchExact positions tree's cursor at key and returns the matching
// entry's OID. btm.Fetch/FetchNext return the first key >= target rather
// than erroring on a miss, so an exact match has to be checked here.
func fetchExact(tree *btm.Tree, key []byte) (types.ObjectID, bool, error) {
	c, err := tree.Fetch(key)
	if err != nil {
		return types.ObjectID{}, false, err
	}
	defer c.Close()
	gotKey, oid, ok, err := c.FetchNext()
	if err != nil {
		return types.ObjectID{}, false, err
	}
	if !ok || !bytes.Equal(gotKey, key) {
		return types.ObjectID{}, false, nil
	}
	return oid, true, nil
}

// GetNewFileID allocates a FileID on this volume not already present in
// the file-id index, grounded line for line in sm_GetNewFileId.c: draw
// the next serial, probe the index, and remember the first serial that
// collided. The first time the counter comes back to that serial (one full
// wrap without a free slot) sets breakFlag; the second time fails with
// eFILEIDFULL rather than loop forever (spec.md §9 Open Question (ii), preserved verbatim).
func (c *Catalog) GetNewFileID() (types.FileID, error) {
	var firstCollision uint32
	sawFirst := false
	breakFlag := false

	for {
		serial := atomic.AddUint32(&c.fileSerial, 1)
		key, err := idKey(c.volNo, serial)
		if err != nil {
			return types.FileID{}, err
		}
		_, found, err := fetchExact(c.fileIDIndex, key)
		if err != nil {
			return types.FileID{}, err
		}
		if !found {
			return types.FileID{VolNo: c.volNo, Serial: serial}, nil
		}

		if !sawFirst {
			firstCollision = serial
			sawFirst = true
		} else if serial == firstCollision {
			if breakFlag {
				return types.FileID{}, errs.New("sm.GetNewFileID", errs.FileIDFull)
			}
			breakFlag = true
		}
	}
}

// RegisterFileID records fid in the file-id index, mirroring the
// SM_SYSTABLES row a create-file operation inserts once a file exists;
// exposed so GetNewFileID's uniqueness probe has real entries to collide
// against.
func (c *Catalog) RegisterFileID(fid types.FileID, catalogEntry types.ObjectID) error {
	key, err := idKey(fid.VolNo, fid.Serial)
	if err != nil {
		return err
	}
	return c.fileIDIndex.Insert(key, catalogEntry)
}

// RegisterIndex records a newly created catalog index's ObjectID and
// initial root page, mirroring the row a DefineIndex operation inserts
// into SM_SYSINDEXES.
func (c *Catalog) RegisterIndex(index types.IndexID, catalogEntry types.ObjectID, rootPage uint32) error {
	key, err := idKey(index.VolNo, index.Serial)
	if err != nil {
		return err
	}
	if err := c.indexIDIndex.Insert(key, catalogEntry); err != nil {
		return err
	}
	c.rootPages.Store(index, rootPage)
	return nil
}

// RegisterTempIndex records a temporary index's root page without
// touching the on-disk catalog, mirroring SM_SI_FOR_TMP_FILES.
func (c *Catalog) RegisterTempIndex(index types.IndexID, rootPage uint32) {
	c.tempIndexes.Store(index, tempIndexEntry{rootPage: rootPage})
}

// UpdateRootPage records index's current root page after a B+-tree height
// change, keeping later PhysicalIndexID resolutions current.
func (c *Catalog) UpdateRootPage(index types.IndexID, rootPage uint32) {
	if _, ok := c.tempIndexes.Load(index); ok {
		c.tempIndexes.Store(index, tempIndexEntry{rootPage: rootPage})
		return
	}
	c.rootPages.Store(index, rootPage)
}

// GetCatalogEntryFromIndexID resolves index to its catalog ObjectID in
// SM_SYSINDEXES and, if wantPhysical, its current PhysicalIndexID,
// grounded in sm_GetCatalogEntryFromIndexId.c. Falls back to the
// in-memory temporary-index table for indices defined on a temporary
// file, which never gets a catalog row.
func (c *Catalog) GetCatalogEntryFromIndexID(index types.IndexID, wantPhysical bool) (types.ObjectID, types.PhysicalIndexID, error) {
	key, err := idKey(index.VolNo, index.Serial)
	if err != nil {
		return types.ObjectID{}, types.PhysicalIndexID{}, err
	}
	oid, found, err := fetchExact(c.indexIDIndex, key)
	if err != nil {
		return types.ObjectID{}, types.PhysicalIndexID{}, err
	}
	if found {
		var pIid types.PhysicalIndexID
		if wantPhysical {
			root, _ := c.rootPages.Load(index)
			rootPage, _ := root.(uint32)
			pIid = types.PhysicalIndexID{VolNo: index.VolNo, RootPageNo: rootPage}
		}
		return oid, pIid, nil
	}

	if v, ok := c.tempIndexes.Load(index); ok {
		entry := v.(tempIndexEntry)
		tempOID := types.ObjectID{VolNo: index.VolNo, PageNo: nilPageNo, SlotNo: nilSlotNo}
		var pIid types.PhysicalIndexID
		if wantPhysical {
			pIid = types.PhysicalIndexID{VolNo: index.VolNo, RootPageNo: entry.rootPage}
		}
		return tempOID, pIid, nil
	}

	log.Debug().Uint32("serial", index.Serial).Msg("index id not found in catalog or temp table")
	return types.ObjectID{}, types.PhysicalIndexID{}, errs.New("sm.GetCatalogEntryFromIndexID", errs.NotFound)
}
