// Package image is the façade over the three image backends: it probes a
// path in a fixed order (NTFS-clone, partclone, raw), opens whichever
// backend claims it, and forwards every operation to that backend. The raw
// backend always matches, so callers must opt in explicitly to allow it.
package image

import (
	"errors"
	"fmt"

	"github.com/vasi/partclone-utils/backend"
	"github.com/vasi/partclone-utils/image/ntfsclone"
	"github.com/vasi/partclone-utils/image/partclone"
	"github.com/vasi/partclone-utils/image/rawimage"
	"github.com/vasi/partclone-utils/imgerr"
)

// prober adapts a backend package's free Probe/Open functions to the
// backend.Prober interface, since none of the three backend packages
// bother defining a package-level type for it.
type prober struct {
	name string
	prob func(path string) bool
	open func(path, cfpath string, mode backend.Mode) (backend.Backend, error)
}

func (p prober) Name() string                { return p.name }
func (p prober) Probe(path string) bool      { return p.prob(path) }
func (p prober) Open(path, cfpath string, mode backend.Mode) (backend.Backend, error) {
	return p.open(path, cfpath, mode)
}

// knownTypes mirrors the original's known_types[] probe order: raw must be
// last, since Probe for it always reports true.
var knownTypes = []backend.Prober{
	prober{name: "ntfsclone", prob: ntfsclone.Probe, open: ntfsclone.Open},
	prober{name: "partclone", prob: partclone.Probe, open: partclone.Open},
	prober{name: "raw", prob: rawimage.Probe, open: rawimage.Open},
}

const handleMagic uint32 = 0xceebee00

// Handle is an opened, magic-tagged image, dispatching every operation to
// whichever backend matched during Open.
type Handle struct {
	magic   uint32
	backend backend.Backend
	name    string
}

// Open probes path against the known backend types in order and opens the
// first match. The raw backend, which always matches, is only considered
// when allowRaw is true, matching the original's "raw must be last, and
// only if explicitly allowed" rule.
func Open(path, cfpath string, mode backend.Mode, allowRaw bool) (*Handle, error) {
	for i, kt := range knownTypes {
		if !kt.Probe(path) {
			continue
		}
		last := i == len(knownTypes)-1
		if last && !allowRaw {
			break
		}
		b, err := kt.Open(path, cfpath, mode)
		if err != nil {
			return nil, err
		}
		return &Handle{magic: handleMagic, backend: b, name: kt.Name()}, nil
	}
	return nil, fmt.Errorf("image: no backend recognises %s: %w", path, imgerr.ErrUnsupported)
}

func (h *Handle) valid() error {
	if h == nil || h.magic != handleMagic {
		return fmt.Errorf("image: invalid or stale handle: %w", imgerr.ErrStale)
	}
	return nil
}

// Name reports the backend that matched this image ("ntfsclone",
// "partclone", or "raw").
func (h *Handle) Name() string { return h.name }

func (h *Handle) Close() error {
	if err := h.valid(); err != nil {
		return err
	}
	err := h.backend.Close()
	h.magic = 0
	return err
}

func (h *Handle) TolerantMode(enable bool) error {
	if err := h.valid(); err != nil {
		return err
	}
	h.backend.SetTolerant(enable)
	return nil
}

func (h *Handle) Verify() error {
	if err := h.valid(); err != nil {
		return err
	}
	return h.backend.Verify()
}

func (h *Handle) BlockSize() (uint32, error) {
	if err := h.valid(); err != nil {
		return 0, err
	}
	return h.backend.BlockSize(), nil
}

func (h *Handle) BlockCount() (uint64, error) {
	if err := h.valid(); err != nil {
		return 0, err
	}
	return h.backend.BlockCount(), nil
}

func (h *Handle) Seek(blockno uint64) error {
	if err := h.valid(); err != nil {
		return err
	}
	return h.backend.Seek(blockno)
}

func (h *Handle) Tell() (uint64, error) {
	if err := h.valid(); err != nil {
		return 0, err
	}
	return h.backend.Tell(), nil
}

func (h *Handle) ReadBlocks(buffer []byte, nblocks uint64) error {
	if err := h.valid(); err != nil {
		return err
	}
	return h.backend.ReadBlocks(buffer, nblocks)
}

func (h *Handle) BlockUsed() (bool, error) {
	if err := h.valid(); err != nil {
		return false, err
	}
	return h.backend.BlockUsed(), nil
}

func (h *Handle) WriteBlocks(buffer []byte, nblocks uint64) error {
	if err := h.valid(); err != nil {
		return err
	}
	return h.backend.WriteBlocks(buffer, nblocks)
}

func (h *Handle) Sync() error {
	if err := h.valid(); err != nil {
		return err
	}
	return h.backend.Sync()
}

// IsStale reports whether err is the error returned for an invalid or
// already-closed handle.
func IsStale(err error) bool { return errors.Is(err, imgerr.ErrStale) }
