package main

import (
	"bytes"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/spiftl-go/spiftl/ftl"
)

// ftlBlockDevice adapts an *ftl.FTL to the io.ReaderAt/io.WriterAt shape
// an NBD export needs, splitting arbitrary-offset I/O into 512-byte
// LBA-aligned Read/Write calls.
type ftlBlockDevice struct {
	f *ftl.FTL
}

const sectorSize = 512

func (d *ftlBlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if off%sectorSize != 0 || len(p)%sectorSize != 0 {
		return 0, fmt.Errorf("nbd: unaligned read at %d, len %d", off, len(p))
	}
	n := 0
	lba := int(off / sectorSize)
	for n < len(p) {
		if !d.f.Read(lba, p[n:n+sectorSize]) {
			return n, fmt.Errorf("nbd: ftl read failed at lba %d", lba)
		}
		n += sectorSize
		lba++
	}
	return n, nil
}

func (d *ftlBlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if off%sectorSize != 0 || len(p)%sectorSize != 0 {
		return 0, fmt.Errorf("nbd: unaligned write at %d, len %d", off, len(p))
	}
	n := 0
	lba := int(off / sectorSize)
	for n < len(p) {
		if !d.f.Write(lba, p[n:n+sectorSize]) {
			return n, fmt.Errorf("nbd: ftl write failed at lba %d", lba)
		}
		n += sectorSize
		lba++
	}
	return n, nil
}

var _ io.ReaderAt = (*ftlBlockDevice)(nil)
var _ io.WriterAt = (*ftlBlockDevice)(nil)

// attachNBD would hand ftlBlockDevice to go-nbd's kernel connection and
// block serving requests until the device is disconnected. go-nbd's real
// entry point isn't exercised anywhere in the retrieved example beyond a
// blank import, so wiring the actual NBD_SET_SOCK/ioctl handshake here is
// left as a follow-up rather than guessed at. Until it lands, serve runs
// the same read-after-write check the original's nbdftl.cpp test harness
// ran against every pwrite, directly against the FTL.
func attachNBD(devicePath string, f *ftl.FTL, log *zap.Logger) error {
	d := &ftlBlockDevice{f: f}

	lbas := f.LBACount()
	if lbas > 256 {
		lbas = 256
	}
	want := make([]byte, sectorSize)
	got := make([]byte, sectorSize)
	for lba := 0; lba < lbas; lba++ {
		for i := range want {
			want[i] = byte(lba + i)
		}
		off := int64(lba) * sectorSize
		if _, err := d.WriteAt(want, off); err != nil {
			return fmt.Errorf("nbd self-test: %w", err)
		}
		if _, err := d.ReadAt(got, off); err != nil {
			return fmt.Errorf("nbd self-test: %w", err)
		}
		if !bytes.Equal(want, got) {
			return fmt.Errorf("nbd self-test: lba %d read back mismatched its last write", lba)
		}
	}

	log.Warn("kernel NBD attach not implemented, ran local self-test instead",
		zap.String("nbdDevice", devicePath), zap.Int("lbasChecked", lbas))
	return nil
}
