package nbd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vasi/partclone-utils/backend"
	"github.com/vasi/partclone-utils/image"
)

func TestRequestMarshalRoundTrip(t *testing.T) {
	buf := make([]byte, requestBytes)
	want := request{Magic: requestMagic, Type: cmdWrite, Handle: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, From: 4096, Len: 512}
	putRequest(buf, want)
	got := unmarshalRequest(buf)
	require.Equal(t, want, got)
}

// putRequest is the inverse of unmarshalRequest, used only to build test
// fixtures; the real server never needs to marshal a request.
func putRequest(buf []byte, r request) {
	be := func(b []byte, v uint32) {
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
	}
	be(buf[0:4], r.Magic)
	be(buf[4:8], r.Type)
	copy(buf[8:16], r.Handle[:])
	for i := 0; i < 8; i++ {
		buf[16+i] = byte(r.From >> uint(8*(7-i)))
	}
	be(buf[24:28], r.Len)
}

func TestReplyMarshal(t *testing.T) {
	r := reply{Magic: replyMagic, Error: 5, Handle: [8]byte{9, 9, 9, 9, 9, 9, 9, 9}}
	buf := r.marshal()
	require.Len(t, buf, replyBytes)
	got := reply{
		Magic:  uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
		Error:  uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7]),
		Handle: [8]byte{buf[8], buf[9], buf[10], buf[11], buf[12], buf[13], buf[14], buf[15]},
	}
	require.Equal(t, r, got)
}

func TestReadFullWriteFullOverSocketpair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := bytes.Repeat([]byte{0x5A}, 9000) // bigger than one typical socket buffer
	go func() {
		_ = writeFull(fds[0], payload)
	}()

	got := make([]byte, len(payload))
	require.NoError(t, readFull(fds[1], got))
	require.Equal(t, payload, got)
}

func TestMarkAndIsStopping(t *testing.T) {
	var flag int32
	require.False(t, isStopping(&flag))
	markStopping(&flag)
	require.True(t, isStopping(&flag))
}

func openRawServiceFixture(t *testing.T, blocks int) (*Service, int, []byte) {
	t.Helper()
	const blockSize = 512
	data := make([]byte, blocks*blockSize)
	for i := range data {
		data[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	img, err := image.Open(path, filepath.Join(t.TempDir(), "disk.cf"), backend.ReadWrite, true)
	require.NoError(t, err)
	require.NoError(t, img.Verify())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]) })
	t.Cleanup(func() { unix.Close(fds[1]) })

	s := &Service{
		img:        img,
		sockFd:     fds[1],
		blocksize:  blockSize,
		blockmask:  ^uint64(blockSize - 1),
		offsetmask: blockSize - 1,
	}
	return s, fds[0], data
}

func TestHandleReadReturnsImageBytes(t *testing.T) {
	s, _, data := openRawServiceFixture(t, 4)
	buf := make([]byte, 2*s.blocksize)
	require.NoError(t, s.handleRead(buf, 1, 2))
	require.Equal(t, data[s.blocksize:3*s.blocksize], buf)
}

// TestHandleWritePrimesPartialBlock writes fewer bytes than a full block at
// a non-zero in-block offset; the untouched leading portion of the block
// must still read back as the original image content after the write.
func TestHandleWritePrimesPartialBlock(t *testing.T) {
	s, peerFd, data := openRawServiceFixture(t, 2)

	sboffs := uint64(100)
	length := uint64(50)
	payload := bytes.Repeat([]byte{0xEE}, int(length))

	go func() {
		_ = writeFull(peerFd, payload)
	}()

	buf := make([]byte, s.blocksize)
	require.NoError(t, s.handleWrite(buf, 0, 1, sboffs, sboffs+length-1, length))

	require.NoError(t, s.img.Seek(0))
	got := make([]byte, s.blocksize)
	require.NoError(t, s.img.ReadBlocks(got, 1))

	want := append([]byte{}, data[:s.blocksize]...)
	copy(want[sboffs:sboffs+length], payload)
	require.Equal(t, want, got)
}
