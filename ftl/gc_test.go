package ftl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spiftl-go/spiftl/flash"
)

func TestGCScoreZeroForFreeAndMetaEBs(t *testing.T) {
	f := newFormatted(t)

	// A free EB never scores.
	freeEB := -1
	for i := 0; i < f.eraseBlocks; i++ {
		if f.ebSt.get(i) == ebStateFree {
			freeEB = i
			break
		}
	}
	require.GreaterOrEqual(t, freeEB, 0)
	require.Equal(t, 0, f.gcScore(freeEB))

	// A metadata EB never scores either.
	metaEB := int(f.metaEBList[0])
	require.Equal(t, 0, f.gcScore(metaEB))
}

func TestEraseEBBumpsPECount(t *testing.T) {
	f := newFormatted(t)
	eb := f.lowestEmptyEB()
	require.GreaterOrEqual(t, eb, 0)

	before := f.GetPECount(eb)
	require.True(t, f.eraseEB(eb))
	require.Equal(t, before+1, f.GetPECount(eb))
	require.Equal(t, ebStateFree, f.ebSt.get(eb))
}

func TestEraseEBRollsOverAt250(t *testing.T) {
	f := newFormatted(t)
	eb := f.lowestEmptyEB()
	f.peCount[eb] = 251
	f.highestPECount = 251

	require.True(t, f.eraseEB(eb))

	require.Equal(t, uint32(maxPEDiff), f.peCountOffset)
	require.Equal(t, 251-maxPEDiff+1, f.highestPECount)
	require.Equal(t, uint8(251-maxPEDiff+1), f.peCount[eb])
}

// TestWearLevelsAcrossChurn rewrites the same handful of LBAs
// repeatedly and checks that no erase block's PE count drifts more than
// maxPEDiff+1 away from the busiest one, i.e. static wear leveling is
// actually happening rather than hammering one physical region forever.
func TestWearLevelsAcrossChurn(t *testing.T) {
	f := newFormatted(t)
	sector := make([]byte, flash.SectorSize)

	for i := 0; i < 4000; i++ {
		lba := i % 4
		sector[0] = byte(i)
		require.True(t, f.Write(lba, sector))
	}

	require.True(t, f.Check())

	min, max := 1<<30, 0
	for i := 0; i < f.eraseBlocks; i++ {
		pe := f.GetPECount(i)
		if pe < min {
			min = pe
		}
		if pe > max {
			max = pe
		}
	}
	require.LessOrEqual(t, max-min, maxPEDiff+1)
}

func TestFillThenTrimReclaimsSpace(t *testing.T) {
	f := newFormatted(t)
	sector := make([]byte, flash.SectorSize)

	for lba := 0; lba < f.LBACount(); lba++ {
		sector[0] = byte(lba)
		require.True(t, f.Write(lba, sector))
	}
	require.True(t, f.Check())

	for lba := 0; lba < f.LBACount(); lba++ {
		require.True(t, f.Trim(lba))
	}
	require.True(t, f.Check())

	// Space must be reusable: a fresh pass of writes should succeed again.
	for lba := 0; lba < f.LBACount(); lba++ {
		sector[0] = byte(lba + 1)
		require.True(t, f.Write(lba, sector))
	}
	require.True(t, f.Check())
}
