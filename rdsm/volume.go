package rdsm

import (
	"encoding/binary"
	"fmt"

	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/latch"
	"github.com/odysseus-cosmos/storage-core/logging"
	"github.com/odysseus-cosmos/storage-core/types"
)

var log = logging.Component("rdsm")

// MaxVolumes bounds the volume table, matching spec.md §4.1
// "MAXNUMOFVOLS (default 32)".
const MaxVolumes = 32

// DataMagic / LogMagic distinguish a volume's on-disk header (spec.md §6).
const (
	DataMagic uint32 = 0xC05D0001
	LogMagic  uint32 = 0xC05D0002
)

const headerTitleLen = 64

// header is the fixed-layout volume header written at the start of device
// 0, per spec.md §6.
type header struct {
	Magic       uint32
	Title       [headerTitleLen]byte
	VolID       uint32
	ExtentSize  uint16
	NumExtents  uint32
	NumDevices  uint16
	DeviceIndex uint16
}

const headerSize = 4 + headerTitleLen + 4 + 2 + 4 + 2 + 2

func (h header) encode() []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	copy(b[4:4+headerTitleLen], h.Title[:])
	off := 4 + headerTitleLen
	binary.LittleEndian.PutUint32(b[off:off+4], h.VolID)
	binary.LittleEndian.PutUint16(b[off+4:off+6], h.ExtentSize)
	binary.LittleEndian.PutUint32(b[off+6:off+10], h.NumExtents)
	binary.LittleEndian.PutUint16(b[off+10:off+12], h.NumDevices)
	binary.LittleEndian.PutUint16(b[off+12:off+14], h.DeviceIndex)
	return b
}

func decodeHeader(b []byte) header {
	var h header
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	copy(h.Title[:], b[4:4+headerTitleLen])
	off := 4 + headerTitleLen
	h.VolID = binary.LittleEndian.Uint32(b[off : off+4])
	h.ExtentSize = binary.LittleEndian.Uint16(b[off+4 : off+6])
	h.NumExtents = binary.LittleEndian.Uint32(b[off+6 : off+10])
	h.NumDevices = binary.LittleEndian.Uint16(b[off+10 : off+12])
	h.DeviceIndex = binary.LittleEndian.Uint16(b[off+12 : off+14])
	return h
}

// PageSize used by every volume in this build. It is a constant:
// config.Config.PageBits is not read by rdsm or bfm, and bfm sizes every
// frame as a multiple of this value.
const PageSize = 4096

// deviceExtents describes one device's slice of a volume's global extent
// numbering.
type deviceExtents struct {
	dev        Device
	extentBase uint32 // first global extent number on this device
	numExtents uint32
}

// Volume is a named collection of one or more device files sharing one
// extent-numbered address space (spec.md §3 "Volume").
type Volume struct {
	VolID      uint32
	Title      string
	ExtentSize uint32 // pages per extent
	IsLog      bool

	devices []deviceExtents
	numExt  uint32

	freeBitmap []bool          // true => extent wholly free
	pageUsage  map[uint32]bool // global page number -> allocated
	mountCnt   int

	latch latch.Spin // protects bitmap + metadata, per spec.md §3

	// catalog of object files, populated lazily by sm for data volumes.
	Catalog map[types.FileID]struct{}

	// log volume allocation cursors (spec.md §4.6); zero for data volumes.
	PageNoToAllocForPage  uint32
	PageNoToAllocForTrain uint32
}

// Table is the process-wide volume table (spec.md §4.1): MaxVolumes slots
// protected by one shared latch, arbitrating mount/dismount. Read/write
// paths against an already-mounted volume do not need the table latch —
// only mount/dismount does (the volume is "pinned" by its mount count).
type Table struct {
	mu     latch.Spin
	slots  [MaxVolumes]*Volume
	nextID uint32
}

// NewTable creates an empty volume table.
func NewTable() *Table {
	return &Table{nextID: 1}
}

// Format initializes extentSize-page extents across devs, writing a volume
// header to device 0 and formatting the free-extent bitmap, per spec.md
// §4.1 Format. pagesPerDevice gives each device's page capacity; devices
// need not be equally sized.
func Format(devs []Device, title string, extentSize uint32, pagesPerDevice []uint32, isLog bool) (*Volume, error) {
	if len(devs) == 0 || len(devs) != len(pagesPerDevice) {
		return nil, errs.New("rdsm.Format", errs.BadParameter)
	}
	if extentSize == 0 {
		return nil, errs.New("rdsm.Format", errs.BadParameter)
	}

	v := &Volume{
		Title:      title,
		ExtentSize: extentSize,
		IsLog:      isLog,
		Catalog:    map[types.FileID]struct{}{},
	}

	var extentBase uint32
	for i, pages := range pagesPerDevice {
		numExt := pages / extentSize
		v.devices = append(v.devices, deviceExtents{dev: devs[i], extentBase: extentBase, numExtents: numExt})
		extentBase += numExt
	}
	v.numExt = extentBase
	v.freeBitmap = make([]bool, v.numExt)
	for i := range v.freeBitmap {
		v.freeBitmap[i] = true
	}

	magic := DataMagic
	if isLog {
		magic = LogMagic
		// log allocation cursors: page-size saves grow up from the low
		// end, train-size saves grow down from the high end (spec.md
		// §4.6), grounded in SM_FormatLogVolume.c.
		v.PageNoToAllocForPage = 1 // page 0 reserved for the header
		v.PageNoToAllocForTrain = v.numExt*extentSize - 1
	}

	var titleArr [headerTitleLen]byte
	copy(titleArr[:], title)

	for i, de := range v.devices {
		h := header{
			Magic:       magic,
			Title:       titleArr,
			ExtentSize:  uint16(extentSize),
			NumExtents:  de.numExtents,
			NumDevices:  uint16(len(devs)),
			DeviceIndex: uint16(i),
		}
		if _, err := de.dev.WriteAt(h.encode(), 0); err != nil {
			return nil, errs.Wrap("rdsm.Format", errs.IOError, err)
		}
	}

	log.Info().Str("title", title).Uint32("extentSize", extentSize).Int("devices", len(devs)).Bool("log", isLog).Msg("formatted volume")
	return v, nil
}

// Mount registers a formatted volume in the table and returns its volume
// number, incrementing the mount refcount if already mounted by this
// process.
func (t *Table) Mount(v *Volume) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.slots {
		if s == v {
			v.mountCnt++
			return v.VolID, nil
		}
	}

	for i, s := range t.slots {
		if s == nil {
			v.VolID = t.nextID
			t.nextID++
			v.mountCnt = 1
			t.slots[i] = v
			log.Info().Uint32("volNo", v.VolID).Msg("mounted volume")
			return v.VolID, nil
		}
	}
	return 0, errs.New("rdsm.Mount", errs.DeviceFull)
}

// Dismount decrements the mount refcount, removing the volume from the
// table once it reaches zero.
func (t *Table) Dismount(volNo uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.slots {
		if s != nil && s.VolID == volNo {
			s.mountCnt--
			if s.mountCnt <= 0 {
				t.slots[i] = nil
			}
			return nil
		}
	}
	return errs.New("rdsm.Dismount", errs.BadParameter)
}

// Volume looks up a mounted volume by its volume number.
func (t *Table) Volume(volNo uint32) (*Volume, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s != nil && s.VolID == volNo {
			return s, nil
		}
	}
	return nil, errs.New("rdsm.Volume", errs.BadParameter)
}

// PageIDToExtNo decomposes a page number into its global extent number,
// per spec.md §3 "pageNo decomposes deterministically ... stable for the
// lifetime of the volume".
func (v *Volume) PageIDToExtNo(pageNo uint32) (uint32, error) {
	extNo := pageNo / v.ExtentSize
	if extNo >= v.numExt {
		return 0, errs.New("rdsm.PageIDToExtNo", errs.BadPageID)
	}
	return extNo, nil
}

// deviceFor resolves which device and local page offset a global page
// number maps to.
func (v *Volume) deviceFor(pageNo uint32) (Device, uint32, error) {
	extNo, err := v.PageIDToExtNo(pageNo)
	if err != nil {
		return nil, 0, err
	}
	for _, de := range v.devices {
		if extNo >= de.extentBase && extNo < de.extentBase+de.numExtents {
			localExt := extNo - de.extentBase
			localPage := localExt*v.ExtentSize + pageNo%v.ExtentSize
			return de.dev, localPage, nil
		}
	}
	return nil, 0, errs.New("rdsm.deviceFor", errs.BadPageID)
}

func validTrainSize(size uint32, trainSize uint32) bool {
	return size == 1 || size == trainSize
}

// ReadTrain reads a size-page train starting at pid into buf.
func (v *Volume) ReadTrain(pid types.PageID, buf []byte, size uint32, trainSize uint32) error {
	if !validTrainSize(size, trainSize) {
		return errs.New("rdsm.ReadTrain", errs.InvalidTrainSize)
	}
	dev, localPage, err := v.deviceFor(pid.PageNo)
	if err != nil {
		return errs.Wrap("rdsm.ReadTrain", errs.BadPageID, err).WithPage(pid.VolNo, pid.PageNo)
	}
	off := int64(headerSize) + int64(localPage)*PageSize
	if _, err := dev.ReadAt(buf[:size*PageSize], off); err != nil {
		return errs.Wrap("rdsm.ReadTrain", errs.IOError, err).WithPage(pid.VolNo, pid.PageNo)
	}
	return nil
}

// WriteTrain writes a size-page train starting at pid from buf.
func (v *Volume) WriteTrain(pid types.PageID, buf []byte, size uint32, trainSize uint32) error {
	if !validTrainSize(size, trainSize) {
		return errs.New("rdsm.WriteTrain", errs.InvalidTrainSize)
	}
	dev, localPage, err := v.deviceFor(pid.PageNo)
	if err != nil {
		return errs.Wrap("rdsm.WriteTrain", errs.BadPageID, err).WithPage(pid.VolNo, pid.PageNo)
	}
	off := int64(headerSize) + int64(localPage)*PageSize
	if _, err := dev.WriteAt(buf[:size*PageSize], off); err != nil {
		return errs.Wrap("rdsm.WriteTrain", errs.IOError, err).WithPage(pid.VolNo, pid.PageNo)
	}
	return nil
}

// WriteTrainForLogVolume performs identical I/O to WriteTrain, against a
// volume known to carry log semantics (spec.md §4.1); kept as a distinct
// entry point so call sites self-document which volume they're touching,
// grounded in RDsM_WriteTrainForLogVolume as used by RM_SaveTrain.c.
func (v *Volume) WriteTrainForLogVolume(pid types.PageID, buf []byte, size uint32, trainSize uint32) error {
	if !v.IsLog {
		return errs.New("rdsm.WriteTrainForLogVolume", errs.BadParameter)
	}
	return v.WriteTrain(pid, buf, size, trainSize)
}

// AllocTrains allocates count trains of size pages each from volId, honoring
// locality around nearPid and a per-extent fillFactor cap (spec.md §4.1).
// Returned PageIDs are contiguous within one extent only when count==1 or
// size==trainSize.
func (v *Volume) AllocTrains(nearPid *types.PageID, fillFactor float64, count int, size uint32, trainSize uint32) ([]types.PageID, error) {
	if !validTrainSize(size, trainSize) {
		return nil, errs.New("rdsm.AllocTrains", errs.InvalidTrainSize)
	}
	v.latch.Lock()
	defer v.latch.Unlock()

	var out []types.PageID
	perExtentCap := uint32(float64(v.ExtentSize) * clampFillFactor(fillFactor))

	startExt := uint32(0)
	if nearPid != nil {
		if e, err := v.PageIDToExtNo(nearPid.PageNo); err == nil {
			startExt = e
		}
	}

	remaining := count
	for remaining > 0 {
		extNo, used, ok := v.findExtentWithRoom(startExt, perExtentCap, size)
		if !ok {
			return nil, errs.New("rdsm.AllocTrains", errs.DeviceFull)
		}
		base := extNo*v.ExtentSize + used
		n := size
		pagesThisExtent := (perExtentCap - used) / size
		if pagesThisExtent == 0 {
			pagesThisExtent = 1
		}
		takeHere := remaining
		if uint32(takeHere) > pagesThisExtent {
			takeHere = int(pagesThisExtent)
		}
		for i := 0; i < takeHere; i++ {
			pn := base + uint32(i)*n
			out = append(out, types.PageID{VolNo: uint16(v.VolID), PageNo: pn})
			v.markExtentUsed(extNo, used+uint32(i)*n, n)
		}
		remaining -= takeHere
		startExt = extNo + 1
	}
	return out, nil
}

func clampFillFactor(f float64) float64 {
	if f <= 0 || f > 1 {
		return 1.0
	}
	return f
}

// findExtentWithRoom scans extents starting at startExt (wrapping) for one
// with at least `size` pages of unused capacity under perExtentCap.
func (v *Volume) findExtentWithRoom(startExt, perExtentCap, size uint32) (extNo uint32, usedInExtent uint32, ok bool) {
	for i := uint32(0); i < v.numExt; i++ {
		e := (startExt + i) % v.numExt
		used := v.usedPagesIn(e)
		if used+size <= perExtentCap && used+size <= v.ExtentSize {
			return e, used, true
		}
	}
	return 0, 0, false
}

// usedPagesIn returns the number of allocated pages within extent extNo.
// The free-extent bitmap marks whole-extent occupancy; per-page occupancy
// within a partially-used extent is tracked by pageUsage.
func (v *Volume) usedPagesIn(extNo uint32) uint32 {
	if v.pageUsage == nil {
		return 0
	}
	base := extNo * v.ExtentSize
	used := uint32(0)
	for i := uint32(0); i < v.ExtentSize; i++ {
		if v.pageUsage[base+i] {
			used++
		}
	}
	return used
}

func (v *Volume) markExtentUsed(extNo, offsetInExtent, n uint32) {
	if v.pageUsage == nil {
		v.pageUsage = make(map[uint32]bool)
	}
	base := extNo*v.ExtentSize + offsetInExtent
	for i := uint32(0); i < n; i++ {
		v.pageUsage[base+i] = true
	}
	v.freeBitmap[extNo] = false
}

func (v *Volume) markExtentFree(extNo, offsetInExtent, n uint32) {
	base := extNo*v.ExtentSize + offsetInExtent
	for i := uint32(0); i < n; i++ {
		delete(v.pageUsage, base+i)
	}
	if v.usedPagesIn(extNo) == 0 {
		v.freeBitmap[extNo] = true
	}
}

// FreeTrains returns previously allocated trains to their extents' free
// space, restoring the volume's free-page count (round-trip law, spec.md
// §8).
func (v *Volume) FreeTrains(pids []types.PageID, size uint32) error {
	v.latch.Lock()
	defer v.latch.Unlock()
	for _, pid := range pids {
		extNo, err := v.PageIDToExtNo(pid.PageNo)
		if err != nil {
			return errs.Wrap("rdsm.FreeTrains", errs.BadPageID, err).WithPage(pid.VolNo, pid.PageNo)
		}
		offset := pid.PageNo % v.ExtentSize
		v.markExtentFree(extNo, offset, size)
	}
	return nil
}

// FreePageCount reports the total number of unallocated pages across the
// volume, used by the round-trip test (AllocTrains;FreeTrains restores the
// free-page count).
func (v *Volume) FreePageCount() uint32 {
	v.latch.Lock()
	defer v.latch.Unlock()
	total := v.numExt * v.ExtentSize
	used := uint32(len(v.pageUsage))
	return total - used
}

func (v *Volume) String() string {
	return fmt.Sprintf("Volume{id=%d title=%q extents=%d}", v.VolID, v.Title, v.numExt)
}

// HeaderInfo is the subset of a volume's on-disk header useful for
// reporting on a volume without mounting it (no bitmap reconstruction).
type HeaderInfo struct {
	Title      string
	VolID      uint32
	ExtentSize uint32
	NumExtents uint32
	NumDevices uint16
	IsLog      bool
}

// ReadHeader reads and decodes the header written by Format to device 0 of
// a volume, for operator tooling that wants to report on a volume without
// going through Format/Mount's in-memory bitmap reconstruction.
func ReadHeader(dev Device) (HeaderInfo, error) {
	buf := make([]byte, headerSize)
	if _, err := dev.ReadAt(buf, 0); err != nil {
		return HeaderInfo{}, errs.Wrap("rdsm.ReadHeader", errs.IOError, err)
	}
	h := decodeHeader(buf)
	var isLog bool
	switch h.Magic {
	case DataMagic:
		isLog = false
	case LogMagic:
		isLog = true
	default:
		return HeaderInfo{}, errs.New("rdsm.ReadHeader", errs.Corruption)
	}
	end := 0
	for end < len(h.Title) && h.Title[end] != 0 {
		end++
	}
	return HeaderInfo{
		Title:      string(h.Title[:end]),
		VolID:      h.VolID,
		ExtentSize: uint32(h.ExtentSize),
		NumExtents: h.NumExtents,
		NumDevices: h.NumDevices,
		IsLog:      isLog,
	}, nil
}
