// Package sysio is the platform I/O abstraction every other package in this
// module is built on: a small Device interface in place of a raw *os.File,
// so backends and the change-file engine never touch syscalls directly.
package sysio

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/vasi/partclone-utils/imgerr"
)

// OpenMode selects the flag combination a Device is opened with.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
	WriteOnly
	Create
)

// Whence selects the reference point for Seek, mirroring SEEK_SET/CUR/END.
type Whence int

const (
	SeekAbsolute Whence = iota
	SeekRelative
	SeekEnd
)

// Device is the uniform file surface every package above this one consumes.
// It covers exactly the operations spec.md's platform I/O abstraction names:
// open (via the constructors below), close, seek, read, write, file size,
// and allocation.
type Device interface {
	Close() error
	Seek(offset int64, whence Whence) (int64, error)
	// Read fills buf completely or returns an error; a short read is a
	// failure even when the underlying syscall reported success.
	Read(buf []byte) error
	// Write writes buf completely or returns an error, for the same
	// reason.
	Write(buf []byte) error
	// FileSize returns the size of the underlying file. For a pipe or
	// other special file reporting size 0, implementations fall back to
	// seek-to-end-and-restore.
	FileSize() (int64, error)
}

// Alloc and Free exist as a thin seam over the original's allocation
// operation so callers have one place to change if scratch-buffer sourcing
// ever needs to move off the Go heap; today they are a direct make/no-op.
func Alloc(nbytes int) ([]byte, error) {
	if nbytes < 0 {
		return nil, fmt.Errorf("sysio: alloc %d bytes: %w", nbytes, imgerr.ErrInvalid)
	}
	buf := make([]byte, nbytes)
	return buf, nil
}

// Free is a no-op placeholder for the original's explicit free(); Go's
// garbage collector reclaims the backing array once it is unreferenced.
func Free(buf []byte) {}

// posixDevice implements Device over a real file descriptor using
// golang.org/x/sys/unix, matching sysdep_posix.c's omode2flags table and
// its "short I/O is failure" contract.
type posixDevice struct {
	fd   int
	path string
}

var omode2flags = map[OpenMode]int{
	ReadOnly:  unix.O_RDONLY,
	ReadWrite: unix.O_RDWR,
	WriteOnly: unix.O_WRONLY,
	Create:    unix.O_RDWR | unix.O_CREAT,
}

// Open opens path with the given mode, returning a Device backed by a real
// file descriptor.
func Open(path string, mode OpenMode) (Device, error) {
	flags, ok := omode2flags[mode]
	if !ok {
		return nil, fmt.Errorf("sysio: open %s: %w", path, imgerr.ErrInvalid)
	}
	fd, err := unix.Open(path, flags, 0640)
	if err != nil {
		return nil, fmt.Errorf("sysio: open %s: %w", path, joinIO(err))
	}
	return &posixDevice{fd: fd, path: path}, nil
}

func (d *posixDevice) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("sysio: close %s: %w", d.path, joinIO(err))
	}
	return nil
}

func (d *posixDevice) Seek(offset int64, whence Whence) (int64, error) {
	var w int
	switch whence {
	case SeekAbsolute:
		w = io.SeekStart
	case SeekRelative:
		w = io.SeekCurrent
	case SeekEnd:
		w = io.SeekEnd
	default:
		return 0, fmt.Errorf("sysio: seek %s: %w", d.path, imgerr.ErrInvalid)
	}
	pos, err := unix.Seek(d.fd, offset, w)
	if err != nil {
		return 0, fmt.Errorf("sysio: seek %s: %w", d.path, joinIO(err))
	}
	return pos, nil
}

func (d *posixDevice) Read(buf []byte) error {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return fmt.Errorf("sysio: read %s: %w", d.path, joinIO(err))
	}
	if n != len(buf) {
		return fmt.Errorf("sysio: short read on %s (%d of %d bytes): %w", d.path, n, len(buf), imgerr.ErrIO)
	}
	return nil
}

func (d *posixDevice) Write(buf []byte) error {
	n, err := unix.Write(d.fd, buf)
	if err != nil {
		return fmt.Errorf("sysio: write %s: %w", d.path, joinIO(err))
	}
	if n != len(buf) {
		return fmt.Errorf("sysio: short write on %s (%d of %d bytes): %w", d.path, n, len(buf), imgerr.ErrIO)
	}
	return nil
}

func (d *posixDevice) FileSize() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return 0, fmt.Errorf("sysio: stat %s: %w", d.path, joinIO(err))
	}
	if st.Size != 0 {
		return st.Size, nil
	}
	// Special file reporting size 0 (a pipe, a block device under some
	// drivers): fall back to seek-to-end-and-restore.
	cur, err := d.Seek(0, SeekRelative)
	if err != nil {
		return 0, err
	}
	end, err := d.Seek(0, SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := d.Seek(cur, SeekAbsolute); err != nil {
		return 0, err
	}
	return end, nil
}

func joinIO(err error) error {
	return fmt.Errorf("%w: %v", imgerr.ErrIO, err)
}
