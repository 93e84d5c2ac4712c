package ftl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spiftl-go/spiftl/flash"
)

func TestMetadataSignatureAppearsAfterPersist(t *testing.T) {
	f := newFormatted(t)
	require.True(t, f.Persist())

	found := 0
	for i := 0; i < f.eraseBlocks; i++ {
		if hasMetadataSig(f.fi.ReadEB(i)) {
			found++
		}
	}
	require.GreaterOrEqual(t, found, 1)
}

// TestMetadataAgingKeepsTwoGenerations writes enough sectors to trigger
// several ageMetadata-driven persists and checks that, in steady state, the
// device carries metaEBs worth of valid metadata signatures (the current
// and the about-to-be-superseded generation), per the two-generations
// durability design.
func TestMetadataAgingKeepsTwoGenerations(t *testing.T) {
	f := newFormatted(t)
	sector := make([]byte, flash.SectorSize)

	for i := 0; i < 3*256; i++ {
		sector[0] = byte(i)
		require.True(t, f.Write(i%f.LBACount(), sector))
	}
	require.True(t, f.Check())

	valid := 0
	for i := 0; i < f.eraseBlocks; i++ {
		data := f.fi.ReadEB(i)
		if !hasMetadataSig(data) {
			continue
		}
		valid++
	}
	require.GreaterOrEqual(t, valid, f.metaEBs)
	require.LessOrEqual(t, valid, f.metaEBs)
}

func TestCorruptedMetadataGenerationIsSkippedOnRestart(t *testing.T) {
	d, err := flash.NewRAMDevice(64*flash.EraseBlockSize, 128)
	require.NoError(t, err)

	f, err := New(d)
	require.NoError(t, err)
	require.True(t, f.Format())

	sector := make([]byte, flash.SectorSize)
	sector[0] = 1
	require.True(t, f.Write(0, sector))
	require.True(t, f.Persist())

	sector[0] = 2
	require.True(t, f.Write(1, sector))
	require.True(t, f.Persist())

	// Corrupt every metadata EB that belongs to the latest generation by
	// flipping a payload byte, forcing Start to fall back to the previous
	// (still-intact) generation or, failing that, to Format.
	latestEpoch := f.metadataEpoch
	for i := 0; i < f.eraseBlocks; i++ {
		data := f.fi.ReadEB(i)
		if !hasMetadataSig(data) {
			continue
		}
		epochWord := uint32(data[11])<<24 | uint32(data[10])<<16 | uint32(data[9])<<8 | uint32(data[8])
		if epochWord>>8 == latestEpoch {
			data[20] ^= 0xff
		}
	}

	f2, err := New(d)
	require.NoError(t, err)
	require.True(t, f2.Start())
	require.True(t, f2.Check())
}
