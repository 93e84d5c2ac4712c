// Package ftl implements the core of a static-wear-leveling flash
// translation layer for small embedded SPI NOR flash devices: a bit-packed
// L2P map, an erase-block state table, a garbage collector / wear-leveling
// selector, and a durable, CRC-checked, epoch-versioned metadata subsystem.
//
// The core is single-threaded (§5): every exported method runs to
// completion and callers are responsible for serializing access.
package ftl

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/spiftl-go/spiftl/flash"
)

// Fixed parameters (§3).
const (
	eraseBlockBytes = flash.EraseBlockSize // 4096
	lbaBytes        = flash.SectorSize     // 512
	sectorsPerEB    = flash.SectorsPerEraseBlock
	maxPEDiff       = 64
)

var metadataSig = [8]byte{'S', 'P', 'I', 'F', 'T', 'L', '0', '1'}

// metadataInitialEpoch is the epoch a freshly formatted device starts at;
// epochs 0 and 1 are reserved (format-time, all-empty), matching the
// original.
const metadataInitialEpoch = 2

// FTL is the logical-to-physical mapping engine, owning every in-RAM table
// for its lifetime. It borrows the flash.Device but never outlives it.
type FTL struct {
	fi  flash.Device
	log *zap.Logger

	eraseBlocks     int
	metaEBBytes     int
	metaEBs         int
	flashLBAs       int
	flashWriteBufSz int

	peCount       []uint8
	peCountOffset uint32
	ebSt          ebState
	metaEBList    []int32 // -1 == pending allocation
	l2p           []l2pEntry

	highestPECount int
	emptyEBs       int
	validLBAs      int
	metadataAge    uint8
	metadataEpoch  uint32

	openEB          int32 // -1 == none open
	openEBNextIndex int

	gcCursor int // rotating GC scan cursor, persists across GC calls

	flt fault

	crc metadataCRC
}

// Option configures an FTL at construction time.
type Option func(*FTL)

// WithLogger attaches a structured logger for lifecycle/GC/metadata events.
// Defaults to zap.NewNop() (silent) if never supplied.
func WithLogger(l *zap.Logger) Option {
	return func(f *FTL) { f.log = l }
}

// New constructs an FTL sized for the given flash device. All tables are
// allocated here; Start or Format must be called before Read/Write/Trim.
func New(fi flash.Device, opts ...Option) (*FTL, error) {
	size := fi.Size()
	if size <= 0 || size%eraseBlockBytes != 0 {
		return nil, fmt.Errorf("ftl: flash size %d must be a positive multiple of %d", size, eraseBlockBytes)
	}
	if size > flash.MaxDeviceSize {
		return nil, fmt.Errorf("ftl: flash size %d exceeds max supported %d", size, flash.MaxDeviceSize)
	}
	wb := fi.WriteBufferSize()
	if wb < 128 || wb > 512 || (wb&(wb-1)) != 0 || eraseBlockBytes%wb != 0 {
		return nil, fmt.Errorf("ftl: write buffer size %d invalid", wb)
	}

	eraseBlocks := size / eraseBlockBytes
	theoreticalLBAs := eraseBlocks * sectorsPerEB
	metaEBBytes := eraseBlocks + (eraseBlocks+1)/2 + 2*theoreticalLBAs + 4
	metaEBs := 2 * (1 + metaEBBytes/(eraseBlockBytes-64))
	flashLBAs := (eraseBlocks - 3 - metaEBs) * sectorsPerEB
	if flashLBAs <= 0 {
		return nil, fmt.Errorf("ftl: flash too small to hold %d metadata erase blocks", metaEBs)
	}

	f := &FTL{
		fi:              fi,
		log:             zap.NewNop(),
		eraseBlocks:     eraseBlocks,
		metaEBBytes:     metaEBBytes,
		metaEBs:         metaEBs,
		flashLBAs:       flashLBAs,
		flashWriteBufSz: wb,

		peCount:    make([]uint8, eraseBlocks),
		ebSt:       newEBState(eraseBlocks),
		metaEBList: make([]int32, metaEBs),
		l2p:        make([]l2pEntry, flashLBAs),

		openEB:        -1,
		metadataEpoch: metadataInitialEpoch,
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// LBACount returns the number of host-visible logical blocks (§6.2).
func (f *FTL) LBACount() int { return f.flashLBAs }

// EBCount returns the number of erase blocks on the underlying flash.
func (f *FTL) EBCount() int { return f.eraseBlocks }

// GetPECount returns the real (offset-adjusted) program/erase count for an
// erase block.
func (f *FTL) GetPECount(eb int) int {
	return int(f.peCountOffset) + int(f.peCount[eb])
}

// GetPECountOffset returns the current global PE-count rollover offset.
func (f *FTL) GetPECountOffset() int { return int(f.peCountOffset) }

// Faults returns the number of hard faults (flash op failures, GC
// exhaustion) observed since construction or the last Format.
func (f *FTL) Faults() int { return f.flt.Count() }

// Format wipes all in-RAM tables, dedicates the first metaEBs erase blocks
// to metadata, and erases any erase block on flash that still begins with
// the metadata signature (§4.8).
func (f *FTL) Format() bool {
	f.log.Info("formatting FTL", zap.Int("eraseBlocks", f.eraseBlocks), zap.Int("flashLBAs", f.flashLBAs))

	for i := range f.l2p {
		f.l2p[i] = 0
	}
	for i := range f.peCount {
		f.peCount[i] = 0
	}
	for i := range f.ebSt {
		f.ebSt[i] = 0
	}
	f.peCountOffset = 0
	f.highestPECount = 0
	f.emptyEBs = f.eraseBlocks
	for i := 0; i < f.metaEBs; i++ {
		f.emptyEBs--
		f.ebSt.setMeta(i)
		f.metaEBList[i] = int32(i)
	}
	f.metadataAge = 0
	f.metadataEpoch = metadataInitialEpoch
	f.openEB = -1
	f.openEBNextIndex = 0
	f.gcCursor = 0
	f.flt.reset()

	// Blow away anything that looks like old metadata left over from a
	// previous geometry or a previous life of this flash.
	for i := 0; i < f.eraseBlocks; i++ {
		eb := f.fi.ReadEB(i)
		if hasMetadataSig(eb) {
			f.log.Debug("format: erasing stale metadata eb", zap.Int("eb", i))
			before := f.fi.ReEraseCount()
			f.fi.EraseBlock(i)
			if f.fi.ReEraseCount() > before {
				f.flt.observeNotable()
			}
		}
	}
	return true
}

// Start reconstructs in-RAM state from the newest valid metadata epoch on
// flash, falling back to Format if none is found (§4.8).
func (f *FTL) Start() bool {
	if err := f.fi.Deserialize(); err != nil {
		f.log.Warn("deserialize failed", zap.Error(err))
	}
	mm := f.populateMetadataMap()
	if f.loadHighestEpochMetadata(mm) {
		f.log.Info("restored metadata from flash", zap.Uint32("epoch", f.metadataEpoch))
		f.metadataAge = 0
		return true
	}
	f.log.Info("no valid metadata found, formatting")
	return f.Format()
}

// Persist serializes the full FTL state to a new metadata generation on
// flash (§4.5) and invokes the flash device's Serialize hook.
func (f *FTL) Persist() bool {
	ok := f.doPersist()
	if err := f.fi.Serialize(); err != nil {
		f.log.Warn("serialize failed", zap.Error(err))
	}
	return ok
}

// Check recomputes and verifies the free-EB count, highestPECount, the PE
// spread, the metadata-EB count, that no valid LBA points at a metadata EB
// or shares an (EB, index) slot with another, and that no hard fault was
// recorded. It does not recompute validLBAs or the per-EB valid counts.
func (f *FTL) Check() bool {
	ok := true

	maxPE, minPE := 0, 1<<30
	emptyCount := 0
	metaCount := 0
	for i := 0; i < f.eraseBlocks; i++ {
		if f.ebSt.get(i) == ebStateFree {
			emptyCount++
		}
		if int(f.peCount[i]) > maxPE {
			maxPE = int(f.peCount[i])
		}
		if int(f.peCount[i]) < minPE {
			minPE = int(f.peCount[i])
		}
		if f.ebSt.isMeta(i) {
			metaCount++
		}
	}
	if metaCount > f.metaEBs {
		f.log.Error("check: too many metadata EBs", zap.Int("metas", metaCount), zap.Int("metaEBs", f.metaEBs))
		ok = false
	}
	if emptyCount != f.emptyEBs {
		f.log.Error("check: emptyEBs mismatch", zap.Int("computed", emptyCount), zap.Int("tracked", f.emptyEBs))
		ok = false
	}
	if maxPE != f.highestPECount {
		f.log.Error("check: highestPECount mismatch", zap.Int("computed", maxPE), zap.Int("tracked", f.highestPECount))
		ok = false
	}
	if maxPE-minPE > maxPEDiff+1 {
		f.log.Error("check: PE spread too wide", zap.Int("max", maxPE), zap.Int("min", minPE))
		ok = false
	}

	seen := make([]uint8, f.eraseBlocks)
	for lba := 0; lba < f.flashLBAs; lba++ {
		e := f.l2p[lba]
		if !e.valid() {
			continue
		}
		eb, idx := e.eb(), e.idx()
		if f.ebSt.isMeta(eb) {
			f.log.Error("check: LBA points to metadata EB", zap.Int("lba", lba), zap.Int("eb", eb))
			ok = false
			continue
		}
		if seen[eb]&(1<<uint(idx)) != 0 {
			f.log.Error("check: crosslinked LBA", zap.Int("lba", lba), zap.Int("eb", eb), zap.Int("idx", idx))
			ok = false
			continue
		}
		seen[eb] |= 1 << uint(idx)
	}

	if f.flt.Count() != 0 {
		f.log.Error("check: fault flag set", zap.Int("count", f.flt.Count()), zap.String("last", f.flt.LastMessage()))
		ok = false
	}
	if f.flt.NotableCount() != 0 {
		f.log.Info("check: tolerated re-erases observed", zap.Int("count", f.flt.NotableCount()))
	}

	return ok
}

func hasMetadataSig(eb []byte) bool {
	if len(eb) < len(metadataSig) {
		return false
	}
	for i, b := range metadataSig {
		if eb[i] != b {
			return false
		}
	}
	return true
}
