package flash

import (
	"fmt"
	"os"
)

// RAMDevice is a RAM-backed Device used for host testing and by the CLI's
// serve/format/check commands. It mirrors the original SPIFTL's
// FlashInterfaceRAM: one flat byte slice backs the whole device, plus a
// per-erase-block "already erased" bitmap so EraseBlock can report stale
// re-erases without losing data (see ReEraseCount, surfaced by the FTL
// core through its fault counters).
type RAMDevice struct {
	size            int
	writeBufferSize int
	backingPath     string

	data         []byte
	erased       []bool
	reEraseCount int
}

// NewRAMDevice constructs a RAM-backed flash of the given size. size must be
// a positive multiple of EraseBlockSize and no larger than MaxDeviceSize.
// writeBufferSize must be a power of two in [128, 512] that divides
// EraseBlockSize; pass 0 to get the original SPIFTL's default of 128.
func NewRAMDevice(size int, writeBufferSize int) (*RAMDevice, error) {
	if size <= 0 || size%EraseBlockSize != 0 {
		return nil, fmt.Errorf("flash: size %d must be a positive multiple of %d", size, EraseBlockSize)
	}
	if size > MaxDeviceSize {
		return nil, fmt.Errorf("flash: size %d exceeds max device size %d", size, MaxDeviceSize)
	}
	if writeBufferSize == 0 {
		writeBufferSize = 128
	}
	if writeBufferSize < 128 || writeBufferSize > 512 || (writeBufferSize&(writeBufferSize-1)) != 0 {
		return nil, fmt.Errorf("flash: write buffer size %d must be a power of two in [128, 512]", writeBufferSize)
	}
	if EraseBlockSize%writeBufferSize != 0 {
		return nil, fmt.Errorf("flash: write buffer size %d must divide erase block size %d", writeBufferSize, EraseBlockSize)
	}

	d := &RAMDevice{
		size:            size,
		writeBufferSize: writeBufferSize,
		data:            make([]byte, size),
		erased:          make([]bool, size/EraseBlockSize),
	}
	return d, nil
}

// WithBackingFile sets the path Serialize/Deserialize round-trip through.
// Empty (the default) means the device is purely in-memory.
func (d *RAMDevice) WithBackingFile(path string) *RAMDevice {
	d.backingPath = path
	return d
}

func (d *RAMDevice) Size() int            { return d.size }
func (d *RAMDevice) WriteBufferSize() int { return d.writeBufferSize }

func (d *RAMDevice) ReadEB(eb int) []byte {
	off := eb * EraseBlockSize
	return d.data[off : off+EraseBlockSize]
}

func (d *RAMDevice) EraseBlock(eb int) bool {
	if eb < 0 || eb >= len(d.erased) {
		return false
	}
	if d.erased[eb] {
		// Tolerated: the metadata rotation erases EBs that may already be
		// erased when switching generations. Not an error, but notable.
		d.reEraseCount++
	}
	d.erased[eb] = true
	off := eb * EraseBlockSize
	clear(d.data[off : off+EraseBlockSize])
	return true
}

func (d *RAMDevice) Program(eb, offset int, data []byte) bool {
	if eb < 0 || eb >= len(d.erased) {
		return false
	}
	if offset < 0 || offset+len(data) > EraseBlockSize {
		return false
	}
	d.erased[eb] = false
	base := eb * EraseBlockSize
	copy(d.data[base+offset:base+offset+len(data)], data)
	return true
}

func (d *RAMDevice) Read(eb, offset int, dest []byte) bool {
	if eb < 0 || eb >= len(d.erased) {
		return false
	}
	if offset < 0 || offset+len(dest) > EraseBlockSize {
		return false
	}
	base := eb * EraseBlockSize
	copy(dest, d.data[base+offset:base+offset+len(dest)])
	return true
}

// ReEraseCount reports how many times EraseBlock was called against an
// erase block the simulator already considered erased. It is informational
// only — real flash cannot observe this distinction, and the FTL core does
// not depend on it — but is plumbed through to the FTL's fault counters so
// `check` can report it.
func (d *RAMDevice) ReEraseCount() int { return d.reEraseCount }

// Serialize writes the whole backing array to BackingPath, standing in for
// real NOR flash's non-volatility. A no-op if no backing path was set.
func (d *RAMDevice) Serialize() error {
	if d.backingPath == "" {
		return nil
	}
	return os.WriteFile(d.backingPath, d.data, 0o644)
}

// Deserialize loads the backing array from BackingPath if present. A no-op
// (leaving the device erased-to-zero) if no backing path was set or the
// file doesn't exist yet.
func (d *RAMDevice) Deserialize() error {
	if d.backingPath == "" {
		return nil
	}
	b, err := os.ReadFile(d.backingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(b) != len(d.data) {
		// Geometry changed since the file was written; leave the device
		// erased and let the FTL's format fallback handle it.
		return nil
	}
	copy(d.data, b)
	return nil
}
