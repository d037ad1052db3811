package partclone

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vasi/partclone-utils/backend"
	"github.com/vasi/partclone-utils/crcutil"
)

func padString(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

// buildV1Image assembles a minimal "0001" partclone image: fixed header,
// dense per-block bitmap, the BiTmAgIc sentinel, then one chained
// (data, crc) record per used block. Each record's checksum seeds the
// next, exactly as libpartclone's incremental v1 checksum does.
func buildV1Image(t *testing.T, blockSize uint32, used []byte, usedData map[int][]byte) string {
	t.Helper()
	totalBlock := uint64(len(used))

	hdr := make([]byte, headerV1Size)
	copy(hdr[0:16], padString(imageMagicPrefix, 16))
	copy(hdr[16:32], padString("EXT4", 16))
	copy(hdr[32:36], []byte("0001"))
	off := 36
	binary.LittleEndian.PutUint32(hdr[off:off+4], blockSize)
	off += 4
	binary.LittleEndian.PutUint64(hdr[off:off+8], totalBlock*uint64(blockSize))
	off += 8
	binary.LittleEndian.PutUint64(hdr[off:off+8], totalBlock)
	off += 8
	var nset uint64
	for _, v := range used {
		if v == 1 {
			nset++
		}
	}
	binary.LittleEndian.PutUint64(hdr[off:off+8], nset)

	buf := append([]byte{}, hdr...)
	buf = append(buf, used...)
	buf = append(buf, []byte(bitmapSentinel)...)

	seed := uint32(0xffffffff)
	for i := uint64(0); i < totalBlock; i++ {
		if used[i] != 1 {
			continue
		}
		data := usedData[int(i)]
		crc := crcutil.V1Checksum(seed, data)
		buf = append(buf, data...)
		crcBuf := make([]byte, crcSize)
		binary.LittleEndian.PutUint32(crcBuf, crc)
		buf = append(buf, crcBuf...)
		seed = crc
	}

	path := filepath.Join(t.TempDir(), "image.v1.partclone")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestPartcloneV1ProbeAndVerify(t *testing.T) {
	blockSize := uint32(8)
	used := []byte{1, 0, 1, 0, 0, 1}
	data := map[int][]byte{
		0: padString("AAAAAAAA", 8),
		2: padString("CCCCCCCC", 8),
		5: padString("FFFFFFFF", 8),
	}
	path := buildV1Image(t, blockSize, used, data)
	require.True(t, Probe(path))

	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())
	require.EqualValues(t, blockSize, b.BlockSize())
	require.EqualValues(t, 6, b.BlockCount())
}

func TestPartcloneV1ReadUsedAndFreeBlocksChainedChecksum(t *testing.T) {
	blockSize := uint32(8)
	used := []byte{1, 0, 1, 0, 0, 1}
	data := map[int][]byte{
		0: padString("AAAAAAAA", 8),
		2: padString("CCCCCCCC", 8),
		5: padString("FFFFFFFF", 8),
	}
	path := buildV1Image(t, blockSize, used, data)

	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())

	for i, want := range data {
		require.NoError(t, b.Seek(uint64(i)))
		require.True(t, b.BlockUsed())
		got := make([]byte, blockSize)
		require.NoError(t, b.ReadBlocks(got, 1))
		require.Equal(t, want, got)
	}

	for _, i := range []uint64{1, 3, 4} {
		require.NoError(t, b.Seek(i))
		require.False(t, b.BlockUsed())
		got := make([]byte, blockSize)
		require.NoError(t, b.ReadBlocks(got, 1))
		require.Equal(t, make([]byte, blockSize), got) // partclone fills free blocks with zero, not 0x45
	}
}

func TestPartcloneV1CorruptChecksumFails(t *testing.T) {
	blockSize := uint32(8)
	used := []byte{1, 0, 1}
	data := map[int][]byte{
		0: padString("AAAAAAAA", 8),
		2: padString("CCCCCCCC", 8),
	}
	path := buildV1Image(t, blockSize, used, data)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte in the first record's data so it no longer matches its
	// stored trailing checksum.
	dataStart := headerV1Size + len(used) + len(bitmapSentinel)
	raw[dataStart] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())
	require.NoError(t, b.Seek(0))
	got := make([]byte, blockSize)
	require.Error(t, b.ReadBlocks(got, 1))
}

// buildV2Image assembles a minimal "0002" partclone image with a packed
// bitmap and one checksum per block (blocksPerChecksum = 1).
func buildV2Image(t *testing.T, blockSize uint32, totalBlock uint64, usedData map[int][]byte) string {
	t.Helper()
	const checksumSize = 4

	hdr := make([]byte, headerV2FixedSize)
	copy(hdr[0:16], padString(imageMagicPrefix, 16))
	off := 16
	off += ptcVersionFieldSize
	copy(hdr[off:off+4], []byte("0002"))
	off += 4
	off += 2 // endianess
	copy(hdr[off:off+16], padString("EXT4", 16))
	off += 16
	binary.LittleEndian.PutUint64(hdr[off:off+8], totalBlock*uint64(blockSize))
	off += 8
	binary.LittleEndian.PutUint64(hdr[off:off+8], totalBlock)
	off += 8
	off += 8 // usedblocks, recomputed
	off += 8 // used_bitmap
	binary.LittleEndian.PutUint32(hdr[off:off+4], blockSize)
	off += 4
	off += 4 // feature_size
	off += 2 // image_version
	off += 2 // cpu_bits
	off += 2 // checksum_mode
	binary.LittleEndian.PutUint16(hdr[off:off+2], checksumSize)
	off += 2
	binary.LittleEndian.PutUint32(hdr[off:off+4], 1) // blocks_per_checksum

	bitmapBytes := (totalBlock + 7) / 8
	packed := make([]byte, bitmapBytes)
	for idx := range usedData {
		packed[idx/8] |= 1 << uint(idx%8)
	}

	buf := append([]byte{}, hdr...)
	buf = append(buf, packed...)
	buf = append(buf, make([]byte, checksumSize)...) // header checksum, content unused

	for i := uint64(0); i < totalBlock; i++ {
		data, ok := usedData[int(i)]
		if !ok {
			continue
		}
		crc := crcutil.Checksum(0, data)
		buf = append(buf, data...)
		crcBuf := make([]byte, checksumSize)
		binary.LittleEndian.PutUint32(crcBuf, crc)
		buf = append(buf, crcBuf...)
	}

	path := filepath.Join(t.TempDir(), "image.v2.partclone")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestPartcloneV2ProbeVerifyRead(t *testing.T) {
	blockSize := uint32(8)
	data := map[int][]byte{
		1: padString("BBBBBBBB", 8),
		4: padString("EEEEEEEE", 8),
	}
	path := buildV2Image(t, blockSize, 6, data)
	require.True(t, Probe(path))

	b, err := Open(path, "", backend.ReadOnly)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())
	require.EqualValues(t, blockSize, b.BlockSize())
	require.EqualValues(t, 6, b.BlockCount())

	for i, want := range data {
		require.NoError(t, b.Seek(uint64(i)))
		require.True(t, b.BlockUsed())
		got := make([]byte, blockSize)
		require.NoError(t, b.ReadBlocks(got, 1))
		require.Equal(t, want, got)
	}

	for _, i := range []uint64{0, 2, 3, 5} {
		require.NoError(t, b.Seek(i))
		require.False(t, b.BlockUsed())
	}
}

func TestPartcloneV2WriteGoesToChangeFile(t *testing.T) {
	blockSize := uint32(8)
	data := map[int][]byte{1: padString("BBBBBBBB", 8)}
	path := buildV2Image(t, blockSize, 4, data)

	cfPath := filepath.Join(filepath.Dir(path), "image.cf")
	b, err := Open(path, cfPath, backend.ReadWrite)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Verify())

	overlay := padString("ZZZZZZZZ", int(blockSize))
	require.NoError(t, b.Seek(2))
	require.NoError(t, b.WriteBlocks(overlay, 1))
	require.NoError(t, b.Sync())

	require.NoError(t, b.Seek(2))
	require.True(t, b.BlockUsed())
	got := make([]byte, blockSize)
	require.NoError(t, b.ReadBlocks(got, 1))
	require.Equal(t, overlay, got)
}
