package changefile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"

	"github.com/vasi/partclone-utils/imgerr"
)

func newTestFile(t *testing.T) (string, uint64, uint64) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "image.cf"), 4096, 1000
}

// Scenario 1: new change file, verify header and zeroed map.
func TestCreateFreshHeader(t *testing.T) {
	path, blocksize, blockcount := newTestFile(t)

	cf, err := Create(path, blocksize, blockcount, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(magic1), cf.header.Magic1)
	require.Equal(t, uint32(magic2), cf.header.Magic2)
	require.Equal(t, blockcount, cf.header.TotalBlocks)
	require.Equal(t, uint64(0), cf.header.UsedBlocks)
	for _, v := range cf.blockmap {
		require.Zero(t, v)
	}
	require.NoError(t, cf.Finish())

	// Reopen and verify again.
	cf2, err := Create(path, blocksize, blockcount, nil)
	require.NoError(t, err)
	require.Equal(t, blockcount, cf2.header.TotalBlocks)
	require.NoError(t, cf2.Finish())
}

// Scenario 2: write, sync, reopen, read back identical bytes.
func TestWriteSyncReopenRoundTrip(t *testing.T) {
	path, blocksize, blockcount := newTestFile(t)

	cf, err := Create(path, blocksize, blockcount, nil)
	require.NoError(t, err)

	want := bytes.Repeat([]byte{0xAB}, int(blocksize))
	require.NoError(t, cf.Seek(23))
	require.NoError(t, cf.WriteBlock(want))
	require.NoError(t, cf.Sync())
	require.Equal(t, uint64(1), cf.header.UsedBlocks)
	require.NotZero(t, cf.blockmap[23])
	require.NoError(t, cf.Finish())

	cf2, err := Create(path, blocksize, blockcount, nil)
	require.NoError(t, err)
	require.NoError(t, cf2.Seek(23))
	got := make([]byte, blocksize)
	require.NoError(t, cf2.ReadBlock(got))
	if diff := deep.Equal(want, got); diff != nil {
		t.Fatalf("round-trip mismatch: %v", diff)
	}
	require.NoError(t, cf2.Finish())
}

// Scenario 3: reading a block that was never written fails NotPresent.
func TestReadUnwrittenBlockNotPresent(t *testing.T) {
	path, blocksize, blockcount := newTestFile(t)
	cf, err := Create(path, blocksize, blockcount, nil)
	require.NoError(t, err)
	defer cf.Finish()

	require.NoError(t, cf.Seek(24))
	buf := make([]byte, blocksize)
	err = cf.ReadBlock(buf)
	require.ErrorIs(t, err, imgerr.ErrNotPresent)
}

// Scenario 4: a corrupted trailer CRC fails BadRecord.
func TestCorruptTrailerCRCFailsBadRecord(t *testing.T) {
	path, blocksize, blockcount := newTestFile(t)
	cf, err := Create(path, blocksize, blockcount, nil)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, int(blocksize))
	require.NoError(t, cf.Seek(23))
	require.NoError(t, cf.WriteBlock(payload))
	off := cf.blockmap[23]
	require.NoError(t, cf.Sync())
	require.NoError(t, cf.Finish())

	// Corrupt the stored CRC in place: payload then 8-byte curblock then
	// 4-byte crc.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, int64(off)+int64(blocksize)+8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cf2, err := Create(path, blocksize, blockcount, nil)
	require.NoError(t, err)
	defer cf2.Finish()
	require.NoError(t, cf2.Seek(23))
	buf := make([]byte, blocksize)
	err = cf2.ReadBlock(buf)
	require.ErrorIs(t, err, imgerr.ErrBadRecord)
}

func TestSeekBeyondTotalBlocksOutOfRange(t *testing.T) {
	path, blocksize, blockcount := newTestFile(t)
	cf, err := Create(path, blocksize, blockcount, nil)
	require.NoError(t, err)
	defer cf.Finish()

	err = cf.Seek(blockcount + 1)
	require.ErrorIs(t, err, imgerr.ErrOutOfRange)
}

func TestDeepEqualHeaderMarshalRoundTrip(t *testing.T) {
	h := Header{
		Magic1:         magic1,
		Version:        version1,
		Flags:          flagDirty,
		TotalBlocks:    42,
		UsedBlocks:     7,
		BlockmapOffset: headerBytes,
		Magic2:         magic2,
	}
	got := unmarshalHeader(h.marshal())
	if diff := deep.Equal(h, got); diff != nil {
		t.Fatalf("header round-trip mismatch: %v", diff)
	}
}
