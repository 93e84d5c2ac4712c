// Package flash defines the byte-addressable flash device contract the FTL
// core is built against, plus a RAM-backed simulator used by the CLI and by
// tests.
package flash

// Device is the abstract flash the FTL core drives. Implementations are
// erase-block addressed: every offset passed to Program/Read is relative to
// the start of the given erase block and must never cross into the next one.
//
// The one implementation in this repo is RAMDevice (host simulation, see
// ram.go); a real SPI NOR driver would implement the same interface. No
// plugin loading: implementations compile in statically.
type Device interface {
	// Size returns the total device size in bytes. Must be <= 16 MiB and a
	// multiple of EraseBlockSize.
	Size() int

	// WriteBufferSize returns the preferred program granularity: a power of
	// two in [128, 512] that evenly divides EraseBlockSize.
	WriteBufferSize() int

	// ReadEB returns a view of the full contents of erase block eb. The
	// returned slice is only valid until the next Program or EraseBlock call
	// against that same erase block.
	ReadEB(eb int) []byte

	// EraseBlock erases one erase block in its entirety.
	EraseBlock(eb int) bool

	// Program writes data at offset within erase block eb. offset and
	// len(data) must both be multiples of WriteBufferSize.
	Program(eb, offset int, data []byte) bool

	// Read copies size bytes starting at offset within erase block eb into
	// dest. Never crosses an erase block boundary.
	Read(eb, offset int, dest []byte) bool

	// Serialize and Deserialize are optional hooks letting a host emulation
	// persist the simulated flash contents between runs. Real hardware
	// drivers make these no-ops.
	Serialize() error
	Deserialize() error

	// ReEraseCount reports how many times EraseBlock has been called against
	// an erase block the device already considered erased. Real NOR flash
	// can't observe this distinction and should always return 0; RAMDevice
	// tracks it so the FTL can surface the tolerated-but-notable condition
	// through its fault counters (§4.10).
	ReEraseCount() int
}

// EraseBlockSize is the fixed erase-block size the core assumes, per the
// data model (§3): 4096 bytes.
const EraseBlockSize = 4096

// SectorSize is the fixed host-visible sector (LBA) size: 512 bytes.
const SectorSize = 512

// SectorsPerEraseBlock is EraseBlockSize / SectorSize.
const SectorsPerEraseBlock = EraseBlockSize / SectorSize

// MaxDeviceSize is the largest flash size the core supports.
const MaxDeviceSize = 16 * 1024 * 1024
