// Package imgerr defines the error taxonomy shared by every image backend,
// the change-file engine, and the NBD request loop.
package imgerr

import "errors"

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", Err...) for
// context; callers unwrap with errors.Is.
var (
	// ErrIO covers short reads/writes and any other underlying device
	// I/O failure.
	ErrIO = errors.New("imgerr: i/o error")

	// ErrNotPresent means the requested block has no backing data (a
	// hole in the change-file, or a cluster the source never wrote).
	ErrNotPresent = errors.New("imgerr: block not present")

	// ErrBadRecord means on-disk structure failed a decode or checksum
	// check: a bad magic, a header field out of range, a trailer CRC
	// mismatch.
	ErrBadRecord = errors.New("imgerr: malformed on-disk record")

	// ErrOutOfRange means a block or byte offset falls outside the
	// image's addressable range.
	ErrOutOfRange = errors.New("imgerr: offset out of range")

	// ErrUnsupported means the request names a real but unimplemented
	// format variant or operation.
	ErrUnsupported = errors.New("imgerr: unsupported format or operation")

	// ErrNotWritable means a write was attempted against a read-only
	// image or backend.
	ErrNotWritable = errors.New("imgerr: image is not writable")

	// ErrOutOfMemory means an allocation needed to service the request
	// failed.
	ErrOutOfMemory = errors.New("imgerr: allocation failed")

	// ErrInvalid means a caller passed a nonsensical argument: a nil
	// device, a zero block size, and so on.
	ErrInvalid = errors.New("imgerr: invalid argument")

	// ErrStale means an image handle was nil or was used after Close.
	ErrStale = errors.New("imgerr: stale handle")
)
