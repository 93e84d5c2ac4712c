package flash

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRAMDeviceValidatesGeometry(t *testing.T) {
	_, err := NewRAMDevice(0, 128)
	require.Error(t, err)

	_, err = NewRAMDevice(EraseBlockSize+1, 128)
	require.Error(t, err)

	_, err = NewRAMDevice(MaxDeviceSize+EraseBlockSize, 128)
	require.Error(t, err)

	_, err = NewRAMDevice(EraseBlockSize, 100)
	require.Error(t, err, "100 is not a power of two")

	_, err = NewRAMDevice(EraseBlockSize, 1024)
	require.Error(t, err, "1024 exceeds the [128, 512] range")
}

func TestNewRAMDeviceDefaultsWriteBufferSize(t *testing.T) {
	d, err := NewRAMDevice(EraseBlockSize*4, 0)
	require.NoError(t, err)
	require.Equal(t, 128, d.WriteBufferSize())
}

func TestProgramAndReadRoundTrip(t *testing.T) {
	d, err := NewRAMDevice(EraseBlockSize*2, 256)
	require.NoError(t, err)

	require.True(t, d.EraseBlock(0))
	payload := []byte("some sector payload padded out-----")
	buf := make([]byte, 256)
	copy(buf, payload)
	require.True(t, d.Program(0, 0, buf))

	out := make([]byte, 256)
	require.True(t, d.Read(0, 0, out))
	require.Equal(t, buf, out)
}

func TestEraseBlockClearsContentsAndTracksReErase(t *testing.T) {
	d, err := NewRAMDevice(EraseBlockSize, 128)
	require.NoError(t, err)

	require.True(t, d.EraseBlock(0))
	require.Equal(t, 0, d.ReEraseCount())

	require.True(t, d.Program(0, 0, []byte{1, 2, 3, 4}))
	require.True(t, d.EraseBlock(0))
	out := make([]byte, 4)
	require.True(t, d.Read(0, 0, out))
	require.Equal(t, []byte{0, 0, 0, 0}, out)

	require.True(t, d.EraseBlock(0))
	require.Equal(t, 1, d.ReEraseCount())
}

func TestOutOfRangeOperationsFail(t *testing.T) {
	d, err := NewRAMDevice(EraseBlockSize, 128)
	require.NoError(t, err)

	require.False(t, d.EraseBlock(1))
	require.False(t, d.Program(1, 0, []byte{1}))
	require.False(t, d.Read(1, 0, make([]byte, 1)))
	require.False(t, d.Program(0, EraseBlockSize-1, []byte{1, 2}))
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/flash.img"

	d, err := NewRAMDevice(EraseBlockSize*2, 128)
	require.NoError(t, err)
	d.WithBackingFile(path)

	require.True(t, d.EraseBlock(1))
	require.True(t, d.Program(1, 0, []byte{9, 9, 9}))
	require.NoError(t, d.Serialize())

	d2, err := NewRAMDevice(EraseBlockSize*2, 128)
	require.NoError(t, err)
	d2.WithBackingFile(path)
	require.NoError(t, d2.Deserialize())

	out := make([]byte, 3)
	require.True(t, d2.Read(1, 0, out))
	require.Equal(t, []byte{9, 9, 9}, out)
}

func TestDeserializeMissingFileIsNoop(t *testing.T) {
	d, err := NewRAMDevice(EraseBlockSize, 128)
	require.NoError(t, err)
	d.WithBackingFile(t.TempDir() + "/does-not-exist.img")
	require.NoError(t, d.Deserialize())
}

func TestDeserializeGeometryMismatchLeavesDeviceErased(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/flash.img"
	require.NoError(t, os.WriteFile(path, make([]byte, EraseBlockSize), 0o644))

	d, err := NewRAMDevice(EraseBlockSize*2, 128)
	require.NoError(t, err)
	d.WithBackingFile(path)
	require.NoError(t, d.Deserialize())

	out := make([]byte, EraseBlockSize)
	require.True(t, d.Read(0, 0, out))
	for _, b := range out {
		require.Zero(t, b)
	}
}
