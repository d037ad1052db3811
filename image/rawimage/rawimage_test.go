package rawimage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vasi/partclone-utils/backend"
)

func buildRawImage(t *testing.T, blocks int) (string, []byte) {
	t.Helper()
	buf := make([]byte, blocks*smallBlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path, buf
}

func TestProbeAlwaysTrue(t *testing.T) {
	require.True(t, Probe("/does/not/even/exist"))
}

func TestOpenPicksSmallBlockSizeUnderThreshold(t *testing.T) {
	path, _ := buildRawImage(t, 4)
	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())
	require.EqualValues(t, smallBlockSize, b.BlockSize())
	require.EqualValues(t, 4, b.BlockCount())
}

func TestReadBlocksReturnsUnderlyingBytes(t *testing.T) {
	path, full := buildRawImage(t, 3)
	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())

	require.NoError(t, b.Seek(1))
	got := make([]byte, smallBlockSize)
	require.NoError(t, b.ReadBlocks(got, 1))
	require.Equal(t, full[smallBlockSize:2*smallBlockSize], got)
}

func TestEveryBlockReportsUsed(t *testing.T) {
	path, _ := buildRawImage(t, 2)
	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())

	for i := uint64(0); i < 2; i++ {
		require.NoError(t, b.Seek(i))
		require.True(t, b.BlockUsed())
	}
}

func TestSeekBeyondBlockCountFails(t *testing.T) {
	path, _ := buildRawImage(t, 2)
	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())

	require.Error(t, b.Seek(3))
}

func TestWriteShadowsUnderlyingBytesInChangeFile(t *testing.T) {
	path, _ := buildRawImage(t, 3)
	cfPath := filepath.Join(filepath.Dir(path), "image.cf")
	b, err := Open(path, cfPath, backend.ReadWrite)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())

	overlay := bytes.Repeat([]byte{0x77}, smallBlockSize)
	require.NoError(t, b.Seek(1))
	require.NoError(t, b.WriteBlocks(overlay, 1))
	require.NoError(t, b.Sync())

	require.NoError(t, b.Seek(1))
	got := make([]byte, smallBlockSize)
	require.NoError(t, b.ReadBlocks(got, 1))
	require.Equal(t, overlay, got)

	// Block 0 is untouched and still reads from the underlying file.
	require.NoError(t, b.Seek(0))
	got0 := make([]byte, smallBlockSize)
	require.NoError(t, b.ReadBlocks(got0, 1))
	want0 := make([]byte, smallBlockSize)
	for i := range want0 {
		want0[i] = byte(i)
	}
	require.Equal(t, want0, got0)
}

func TestWriteWithoutReadWriteModeFails(t *testing.T) {
	path, _ := buildRawImage(t, 2)
	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())

	require.NoError(t, b.Seek(0))
	err = b.WriteBlocks(make([]byte, smallBlockSize), 1)
	require.Error(t, err)
}
