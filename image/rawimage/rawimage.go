// Package rawimage implements the raw-file fallback backend: a flat
// sequence of fixed-size blocks with no header, every block reported used.
// It is always probed last and only considered when the caller opts in.
package rawimage

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vasi/partclone-utils/backend"
	"github.com/vasi/partclone-utils/changefile"
	"github.com/vasi/partclone-utils/imgerr"
	"github.com/vasi/partclone-utils/sysio"
)

const (
	smallBlockSize = 512
	largeBlockSize = 4096
	sizeThreshold  = 100000000000 // 10^11 bytes
)

// Backend is the raw-file implementation of backend.Backend.
type Backend struct {
	dev       sysio.Device
	path      string
	cfPath    string
	mode      backend.Mode
	blocksize uint64
	blocks    uint64
	cursor    uint64
	cf        *changefile.File
	state     backend.State
	tolerant  bool
	log       *logrus.Entry
}

// Name identifies this backend for logging and probe-order diagnostics.
func (*Backend) Name() string { return "raw image" }

// Probe for the raw backend always succeeds; callers are expected to gate
// its use behind an explicit opt-in (image.Open's allowRaw) rather than relying on probe
// failure, since any file at all "looks like" a raw image.
func Probe(path string) bool { return true }

// Open opens path as a raw image. cfpath may be empty, in which case a
// change file named path+".cf" is created lazily on first write.
func Open(path, cfpath string, mode backend.Mode) (backend.Backend, error) {
	dev, err := sysio.Open(path, sysio.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("rawimage: open %s: %w", path, err)
	}
	filesize, err := dev.FileSize()
	if err != nil {
		dev.Close()
		return nil, err
	}
	blocksize := uint64(smallBlockSize)
	if filesize > sizeThreshold {
		blocksize = largeBlockSize
	}
	b := &Backend{
		dev:       dev,
		path:      path,
		cfPath:    cfpath,
		mode:      mode,
		blocksize: blocksize,
		blocks:    uint64(filesize) / blocksize,
		state:     backend.Opened,
		log:       logrus.WithField("backend", "raw").WithField("path", path),
	}
	return b, nil
}

func (b *Backend) SetTolerant(t bool) { b.tolerant = t }

// Verify attaches and verifies an existing change file when opened
// read-write and one is named; a missing change file is not an error here —
// it is created lazily on first write, matching the original's
// "we'll create this later" fallthrough.
func (b *Backend) Verify() error {
	if b.cfPath != "" && b.mode == backend.ReadWrite && changefile.Exists(b.cfPath) {
		cf, err := changefile.Create(b.cfPath, b.blocksize, b.blocks, b.log)
		if err == nil {
			b.cf = cf
		}
	}
	b.state = backend.Verified
	return nil
}

func (b *Backend) BlockSize() uint32 {
	if b.state < backend.Verified {
		return 0
	}
	return uint32(b.blocksize)
}

func (b *Backend) BlockCount() uint64 {
	if b.state < backend.Verified {
		return 0
	}
	return b.blocks
}

func (b *Backend) Seek(block uint64) error {
	if err := backend.RequireState(b.state, backend.Verified); err != nil {
		return err
	}
	if block >= b.blocks {
		return fmt.Errorf("rawimage: seek block %d beyond %d: %w", block, b.blocks, imgerr.ErrOutOfRange)
	}
	b.cursor = block
	if b.cf != nil {
		return b.cf.Seek(block)
	}
	return nil
}

func (b *Backend) Tell() uint64 { return b.cursor }

func (b *Backend) ReadBlocks(buf []byte, n uint64) error {
	if err := backend.RequireState(b.state, backend.Verified); err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		dst := buf[i*b.blocksize : (i+1)*b.blocksize]
		if err := b.readOneBlock(dst); err != nil {
			return err
		}
		b.cursor++
	}
	return nil
}

func (b *Backend) readOneBlock(dst []byte) error {
	if b.cf != nil {
		if err := b.cf.Seek(b.cursor); err != nil {
			return err
		}
		err := b.cf.ReadBlock(dst)
		if err == nil {
			return nil
		}
		if !errors.Is(err, imgerr.ErrNotPresent) {
			return err
		}
	}
	off := int64(b.cursor * b.blocksize)
	if _, err := b.dev.Seek(off, sysio.SeekAbsolute); err != nil {
		return err
	}
	return b.dev.Read(dst)
}

func (b *Backend) BlockUsed() bool {
	// Every block in a raw image exists by definition.
	return b.state >= backend.Verified && b.cursor < b.blocks
}

func (b *Backend) WriteBlocks(buf []byte, n uint64) error {
	if err := backend.RequireState(b.state, backend.Verified); err != nil {
		return err
	}
	if b.mode != backend.ReadWrite {
		return fmt.Errorf("rawimage: write: %w", imgerr.ErrNotWritable)
	}
	if b.cf == nil {
		if b.cfPath == "" {
			b.cfPath = b.path + ".cf"
		}
		cf, err := changefile.Create(b.cfPath, b.blocksize, b.blocks, b.log)
		if err != nil {
			return err
		}
		b.cf = cf
	}
	for i := uint64(0); i < n; i++ {
		src := buf[i*b.blocksize : (i+1)*b.blocksize]
		if err := b.cf.Seek(b.cursor); err != nil {
			return err
		}
		if err := b.cf.WriteBlock(src); err != nil {
			return err
		}
		b.cursor++
	}
	return nil
}

func (b *Backend) Sync() error {
	if b.cf == nil {
		return fmt.Errorf("rawimage: sync: %w", imgerr.ErrInvalid)
	}
	return b.cf.Sync()
}

func (b *Backend) Close() error {
	var cfErr error
	if b.cf != nil {
		cfErr = b.cf.Finish()
	}
	devErr := b.dev.Close()
	if cfErr != nil {
		return cfErr
	}
	return devErr
}
