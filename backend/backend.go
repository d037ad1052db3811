// Package backend defines the common contract every image backend (NTFS-
// clone, partclone, raw) satisfies, and the state machine all of them share.
package backend

import (
	"fmt"

	"github.com/vasi/partclone-utils/imgerr"
)

// Mode selects whether a backend was opened read-only or read-write. Writes
// always land in the attached change file; the source image is never
// mutated.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// State is the explicit lifecycle every backend progresses through, in
// place of the original's OR-able state-flags bitset.
type State int

const (
	Opened State = iota
	Verified
	ReadReady
	WriteReady
)

func (s State) atLeast(want State) error {
	if s < want {
		return fmt.Errorf("backend: operation requires state %v, have %v: %w", want, s, imgerr.ErrInvalid)
	}
	return nil
}

// RequireState is a guard helper backends call before servicing an
// operation, replacing the original's "this requires PC_VERIFIED|..." bit
// tests with an ordered comparison.
func RequireState(have, want State) error { return have.atLeast(want) }

// InvalidBlockByte is the fill byte the NTFS-clone backend uses for unused
// clusters (spec.md's "invalid-block pattern").
const InvalidBlockByte = 0x45

// Backend is the dispatch surface the façade drives. Every operation here
// corresponds 1:1 to spec.md §4.4's common contract.
type Backend interface {
	Close() error
	SetTolerant(bool)
	Verify() error
	BlockSize() uint32
	BlockCount() uint64
	Seek(block uint64) error
	Tell() uint64
	// ReadBlocks reads n blocks starting at the current cursor into buf,
	// advancing the cursor by n.
	ReadBlocks(buf []byte, n uint64) error
	// BlockUsed reports whether the block at the current cursor exists
	// in the source image or the overlay.
	BlockUsed() bool
	// WriteBlocks writes n blocks starting at the current cursor from
	// buf, advancing the cursor by n. Requires a writable mode.
	WriteBlocks(buf []byte, n uint64) error
	Sync() error
}

// Prober is satisfied by each backend package's entry point: Probe reports
// whether path looks like this backend's format, and Open parses it fully.
type Prober interface {
	Name() string
	Probe(path string) bool
	Open(path, cfpath string, mode Mode) (Backend, error)
}
