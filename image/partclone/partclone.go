// Package partclone implements the partclone image backend, both on-disk
// versions: the legacy "0001" dense-record format with its incremental,
// bug-compatible block checksum, and the "0002" packed-header format with a
// bit-packed bitmap and configurable checksum stride.
package partclone

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/vasi/partclone-utils/backend"
	"github.com/vasi/partclone-utils/changefile"
	"github.com/vasi/partclone-utils/crcutil"
	"github.com/vasi/partclone-utils/imgerr"
	"github.com/vasi/partclone-utils/sysio"
)

const (
	imageMagicPrefix = "partclone-image" // 15 bytes, not nul-terminated on disk
	magicFieldSize   = 16
	fsFieldSize      = 16
	versionFieldSize = 4
	scratchSize      = 4096
	crcSize          = 4
	bitmapSentinel   = "BiTmAgIc"
	bucketFactor     = 10

	headerV1Size = magicFieldSize + fsFieldSize + versionFieldSize + 4 + 8 + 8 + 8 + scratchSize

	ptcVersionFieldSize = 14
)

// Options configures partclone-specific behavior not present in the
// original's compile-time STRICT_HEADERS macro.
type Options struct {
	// Strict rejects header device_size/usedblocks mismatches instead of
	// silently fixing them up, the runtime equivalent of the original's
	// STRICT_HEADERS build flag (see DESIGN.md's Open Questions).
	Strict bool
}

// Backend is the partclone implementation of backend.Backend, dispatching
// to a version-specific implementation (v1 or v2) chosen at Open time.
type Backend struct {
	dev       sysio.Device
	path      string
	cfPath    string
	mode      backend.Mode
	opts      Options
	blockSize uint32
	totalBlk  uint64
	cursor    uint64
	cf        *changefile.File
	state     backend.State
	tolerant  bool
	ivBlock   []byte
	impl      versionImpl
	log       *logrus.Entry
}

// versionImpl is the per-version behavior, replacing the original's
// function-pointer version_dispatch_table with a Go interface implemented
// by v1State and v2State.
type versionImpl interface {
	verify(b *Backend, dev sysio.Device, strict bool) error
	seek(b *Backend, block uint64)
	readBlock(b *Backend, dst []byte) error
	blockUsed(b *Backend) bool
	writeBlock(b *Backend, src []byte) error
}

func (*Backend) Name() string { return "partclone image" }

func readMagic(dev sysio.Device) (string, error) {
	buf := make([]byte, magicFieldSize)
	if err := dev.Read(buf); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf[:len(imageMagicPrefix)], "\x00")), nil
}

// Probe reports whether path's header has the partclone magic and a
// recognised version string, trying the v1 layout then the v2 layout.
func Probe(path string) bool {
	dev, err := sysio.Open(path, sysio.ReadOnly)
	if err != nil {
		return false
	}
	defer dev.Close()
	magic, err := readMagic(dev)
	if err != nil || magic != imageMagicPrefix {
		return false
	}
	dev.Seek(0, sysio.SeekAbsolute)
	if v, _ := detectVersion(dev); v == "0001" || v == "0002" {
		return true
	}
	return false
}

// detectVersion peeks at the version field under both candidate layouts.
func detectVersion(dev sysio.Device) (string, error) {
	start, _ := dev.Seek(0, sysio.SeekRelative)

	// Try the v1 layout: magic(16) + fs(16) + version(4).
	dev.Seek(start+magicFieldSize+fsFieldSize, sysio.SeekAbsolute)
	v1buf := make([]byte, versionFieldSize)
	if err := dev.Read(v1buf); err == nil && string(v1buf) == "0001" {
		dev.Seek(start, sysio.SeekAbsolute)
		return "0001", nil
	}

	// Try the v2 layout: magic(16) + ptc_version(14) + version(4).
	dev.Seek(start+magicFieldSize+ptcVersionFieldSize, sysio.SeekAbsolute)
	v2buf := make([]byte, versionFieldSize)
	if err := dev.Read(v2buf); err == nil && string(v2buf) == "0002" {
		dev.Seek(start, sysio.SeekAbsolute)
		return "0002", nil
	}
	dev.Seek(start, sysio.SeekAbsolute)
	return "", fmt.Errorf("partclone: unrecognised version: %w", imgerr.ErrUnsupported)
}

// Open opens path, leaving full header parsing to Verify (matching the
// other backends' Open/Verify split).
func Open(path, cfpath string, mode backend.Mode) (backend.Backend, error) {
	return OpenWithOptions(path, cfpath, mode, Options{})
}

// OpenWithOptions is Open with an explicit Strict setting.
func OpenWithOptions(path, cfpath string, mode backend.Mode, opts Options) (backend.Backend, error) {
	dev, err := sysio.Open(path, sysio.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("partclone: open %s: %w", path, err)
	}
	magic, err := readMagic(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if magic != imageMagicPrefix {
		dev.Close()
		return nil, fmt.Errorf("partclone: bad magic: %w", imgerr.ErrUnsupported)
	}
	dev.Seek(0, sysio.SeekAbsolute)
	version, err := detectVersion(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}

	b := &Backend{
		dev:    dev,
		path:   path,
		cfPath: cfpath,
		mode:   mode,
		opts:   opts,
		state:  backend.Opened,
		log:    logrus.WithField("backend", "partclone").WithField("path", path),
	}
	switch version {
	case "0001":
		b.impl = &v1State{factor: bucketFactor}
	case "0002":
		b.impl = &v2State{factor: bucketFactor}
	default:
		dev.Close()
		return nil, fmt.Errorf("partclone: unsupported version %q: %w", version, imgerr.ErrUnsupported)
	}
	return b, nil
}

func (b *Backend) SetTolerant(t bool) { b.tolerant = t }

func (b *Backend) Verify() error {
	if err := backend.RequireState(b.state, backend.Opened); err != nil {
		return err
	}
	if _, err := b.dev.Seek(0, sysio.SeekAbsolute); err != nil {
		return err
	}
	if err := b.impl.verify(b, b.dev, b.opts.Strict); err != nil {
		return err
	}
	b.ivBlock = make([]byte, b.blockSize)
	if b.cfPath != "" && b.mode == backend.ReadWrite {
		cf, err := changefile.Create(b.cfPath, uint64(b.blockSize), b.totalBlk, b.log)
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
	return b.blockSize
}

func (b *Backend) BlockCount() uint64 {
	if b.state < backend.Verified {
		return 0
	}
	return b.totalBlk
}

func (b *Backend) Seek(block uint64) error {
	if err := backend.RequireState(b.state, backend.Verified); err != nil {
		return err
	}
	if block >= b.totalBlk {
		return fmt.Errorf("partclone: seek block %d beyond %d: %w", block, b.totalBlk, imgerr.ErrOutOfRange)
	}
	b.cursor = block
	b.impl.seek(b, block)
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
	bs := uint64(b.blockSize)
	for i := uint64(0); i < n; i++ {
		dst := buf[i*bs : (i+1)*bs]
		if err := b.readOneBlock(dst); err != nil {
			return err
		}
		b.cursor++
		b.impl.seek(b, b.cursor)
		if b.cf != nil {
			b.cf.Seek(b.cursor)
		}
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
	return b.impl.readBlock(b, dst)
}

func (b *Backend) BlockUsed() bool {
	if b.cf != nil {
		if err := b.cf.Seek(b.cursor); err == nil && b.cf.BlockUsed() {
			return true
		}
	}
	return b.impl.blockUsed(b)
}

func (b *Backend) WriteBlocks(buf []byte, n uint64) error {
	if err := backend.RequireState(b.state, backend.Verified); err != nil {
		return err
	}
	if b.mode != backend.ReadWrite {
		return fmt.Errorf("partclone: write: %w", imgerr.ErrNotWritable)
	}
	if b.cf == nil {
		if b.cfPath == "" {
			b.cfPath = b.path + ".cf"
		}
		cf, err := changefile.Create(b.cfPath, uint64(b.blockSize), b.totalBlk, b.log)
		if err != nil {
			return err
		}
		b.cf = cf
	}
	bs := uint64(b.blockSize)
	for i := uint64(0); i < n; i++ {
		src := buf[i*bs : (i+1)*bs]
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
		return fmt.Errorf("partclone: sync: %w", imgerr.ErrInvalid)
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

// --- v1: legacy dense (block,crc) records with incremental checksum ---

type v1State struct {
	bitmap    []byte
	sumcount  []uint64
	nvbcount  uint64
	factor    uint
	headSize  int64
}

func (v *v1State) verify(b *Backend, dev sysio.Device, strict bool) error {
	hdr := make([]byte, headerV1Size)
	if err := dev.Read(hdr); err != nil {
		return fmt.Errorf("partclone: read v1 header: %w", imgerr.ErrBadRecord)
	}
	const fixedOff = magicFieldSize + fsFieldSize + versionFieldSize
	blockSize := int32(binary.LittleEndian.Uint32(hdr[fixedOff : fixedOff+4]))
	deviceSize := binary.LittleEndian.Uint64(hdr[fixedOff+4 : fixedOff+12])
	totalBlock := binary.LittleEndian.Uint64(hdr[fixedOff+12 : fixedOff+20])
	usedBlocks := binary.LittleEndian.Uint64(hdr[fixedOff+20 : fixedOff+28])

	v.bitmap = make([]byte, totalBlock)
	if err := dev.Read(v.bitmap); err != nil {
		return fmt.Errorf("partclone: read v1 bitmap: %w", imgerr.ErrBadRecord)
	}
	sentinel := make([]byte, len(bitmapSentinel))
	if err := dev.Read(sentinel); err != nil || string(sentinel) != bitmapSentinel {
		return fmt.Errorf("partclone: missing BiTmAgIc sentinel: %w", imgerr.ErrBadRecord)
	}

	v.sumcount = make([]uint64, (totalBlock>>v.factor)+1)
	var nset uint64
	for i := uint64(0); i < totalBlock; i++ {
		if i&((1<<v.factor)-1) == 0 {
			v.sumcount[i>>v.factor] = nset
		}
		// The bitmap can hold values other than 0/1; anything but 1 is
		// treated as "free", matching the original's tolerance of
		// unknown byte values here.
		if v.bitmap[i] == 1 {
			nset++
		}
	}

	wantDeviceSize := totalBlock * uint64(blockSize)
	if deviceSize != wantDeviceSize {
		if strict {
			return fmt.Errorf("partclone: device_size %d does not match totalblock*blocksize %d: %w", deviceSize, wantDeviceSize, imgerr.ErrBadRecord)
		}
		deviceSize = wantDeviceSize
	}
	if usedBlocks != nset {
		if strict {
			return fmt.Errorf("partclone: usedblocks %d does not match scanned population %d: %w", usedBlocks, nset, imgerr.ErrBadRecord)
		}
		usedBlocks = nset
	}

	b.blockSize = uint32(blockSize)
	b.totalBlk = totalBlock
	_ = deviceSize
	_ = usedBlocks
	v.headSize = headerV1Size + int64(totalBlock) + int64(len(bitmapSentinel))
	return nil
}

func (v *v1State) seek(b *Backend, block uint64) {
	v.nvbcount = v.sumcount[block>>v.factor]
	start := block &^ ((1 << v.factor) - 1)
	for pbn := start; pbn < block; pbn++ {
		if v.bitmap[pbn] == 1 {
			v.nvbcount++
		}
	}
}

func (v *v1State) recordOffset(b *Backend, r uint64) int64 {
	return v.headSize + int64(r)*(int64(b.blockSize)+crcSize)
}

func (v *v1State) readBlock(b *Backend, dst []byte) error {
	if v.bitmap[b.cursor] != 1 {
		copy(dst, b.ivBlock)
		return nil
	}
	off := v.recordOffset(b, v.nvbcount)
	if _, err := b.dev.Seek(off, sysio.SeekAbsolute); err != nil {
		return err
	}
	seed := uint32(0xffffffff)
	if v.nvbcount > 0 {
		if _, err := b.dev.Seek(-crcSize, sysio.SeekRelative); err != nil {
			return err
		}
		seedBuf := make([]byte, crcSize)
		if err := b.dev.Read(seedBuf); err != nil {
			return err
		}
		seed = binary.LittleEndian.Uint32(seedBuf)
	}
	if err := b.dev.Read(dst); err != nil {
		return fmt.Errorf("partclone: read v1 block %d: %w", b.cursor, imgerr.ErrIO)
	}
	want := crcutil.V1Checksum(seed, dst)
	crcBuf := make([]byte, crcSize)
	if err := b.dev.Read(crcBuf); err != nil {
		return fmt.Errorf("partclone: read v1 block %d checksum: %w", b.cursor, imgerr.ErrIO)
	}
	if binary.LittleEndian.Uint32(crcBuf) != want {
		return fmt.Errorf("partclone: block %d checksum mismatch: %w", b.cursor, imgerr.ErrBadRecord)
	}
	return nil
}

func (v *v1State) blockUsed(b *Backend) bool {
	return v.bitmap[b.cursor] == 1
}

func (v *v1State) writeBlock(b *Backend, src []byte) error {
	// Writes always land in the change file (see Backend.WriteBlocks);
	// this hook exists for interface symmetry with v2State.
	return nil
}

// --- v2: packed header, bit-packed bitmap, configurable checksum stride ---

type v2State struct {
	bitmap            *bitset.BitSet
	sumcount          []uint64
	nvbcount          uint64
	factor            uint
	checksumSize      int
	blocksPerChecksum uint32
	headSize          int64
}

const (
	headerV2FixedSize = magicFieldSize + ptcVersionFieldSize + versionFieldSize +
		2 + fsFieldSize + 8 + 8 + 8 + 8 + 4 + 4 + 2 + 2 + 2 + 2 + 4 + 1 + 1 + 4
)

func (v *v2State) verify(b *Backend, dev sysio.Device, strict bool) error {
	hdr := make([]byte, headerV2FixedSize)
	if err := dev.Read(hdr); err != nil {
		return fmt.Errorf("partclone: read v2 header: %w", imgerr.ErrBadRecord)
	}
	off := magicFieldSize + ptcVersionFieldSize + versionFieldSize + 2 + fsFieldSize
	deviceSize := binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	totalBlock := binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	usedBlocks := binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	off += 8 // used_bitmap
	blockSize := binary.LittleEndian.Uint32(hdr[off:])
	off += 4
	off += 4 // feature_size
	off += 2 // image_version
	off += 2 // cpu_bits
	off += 2 // checksum_mode
	checksumSize := binary.LittleEndian.Uint16(hdr[off:])
	off += 2
	blocksPerChecksum := binary.LittleEndian.Uint32(hdr[off:])
	if blocksPerChecksum == 0 {
		blocksPerChecksum = 1
	}

	bitmapBytes := (totalBlock + 7) / 8
	packed := make([]byte, bitmapBytes)
	if err := dev.Read(packed); err != nil {
		return fmt.Errorf("partclone: read v2 bitmap: %w", imgerr.ErrBadRecord)
	}
	v.bitmap = bitset.New(uint(totalBlock))
	for i := uint64(0); i < totalBlock; i++ {
		byteIdx := i / 8
		bit := i % 8
		if packed[byteIdx]&(1<<bit) != 0 {
			v.bitmap.Set(uint(i))
		}
	}
	// Skip the header checksum.
	if checksumSize > 0 {
		skip := make([]byte, checksumSize)
		if err := dev.Read(skip); err != nil {
			return fmt.Errorf("partclone: read v2 header checksum: %w", imgerr.ErrBadRecord)
		}
	}

	v.sumcount = make([]uint64, (totalBlock>>v.factor)+1)
	var nset uint64
	for i := uint64(0); i < totalBlock; i++ {
		if i&((1<<v.factor)-1) == 0 {
			v.sumcount[i>>v.factor] = nset
		}
		if v.bitmap.Test(uint(i)) {
			nset++
		}
	}

	wantDeviceSize := totalBlock * uint64(blockSize)
	if deviceSize != wantDeviceSize {
		if strict {
			return fmt.Errorf("partclone: device_size %d does not match totalblock*blocksize %d: %w", deviceSize, wantDeviceSize, imgerr.ErrBadRecord)
		}
		deviceSize = wantDeviceSize
	}
	if usedBlocks != nset {
		if strict {
			return fmt.Errorf("partclone: usedblocks %d does not match scanned population %d: %w", usedBlocks, nset, imgerr.ErrBadRecord)
		}
		usedBlocks = nset
	}

	b.blockSize = blockSize
	b.totalBlk = totalBlock
	v.checksumSize = int(checksumSize)
	v.blocksPerChecksum = blocksPerChecksum
	v.headSize = headerV2FixedSize + int64(bitmapBytes) + int64(checksumSize)
	_ = deviceSize
	_ = usedBlocks
	return nil
}

func (v *v2State) seek(b *Backend, block uint64) {
	v.nvbcount = v.sumcount[block>>v.factor]
	start := block &^ ((1 << v.factor) - 1)
	for pbn := start; pbn < block; pbn++ {
		if v.bitmap.Test(uint(pbn)) {
			v.nvbcount++
		}
	}
}

func (v *v2State) readBlock(b *Backend, dst []byte) error {
	if !v.bitmap.Test(uint(b.cursor)) {
		copy(dst, b.ivBlock)
		return nil
	}
	off := v.headSize + int64(v.nvbcount)*int64(b.blockSize) + int64(v.nvbcount/uint64(v.blocksPerChecksum))*int64(v.checksumSize)
	if _, err := b.dev.Seek(off, sysio.SeekAbsolute); err != nil {
		return err
	}
	if err := b.dev.Read(dst); err != nil {
		return fmt.Errorf("partclone: read v2 block %d: %w", b.cursor, imgerr.ErrIO)
	}
	if v.blocksPerChecksum == 1 && v.checksumSize >= crcSize {
		crcBuf := make([]byte, v.checksumSize)
		if err := b.dev.Read(crcBuf); err != nil {
			return fmt.Errorf("partclone: read v2 block %d checksum: %w", b.cursor, imgerr.ErrIO)
		}
		// v2's trailing checksum is a plain per-block CRC-32, not v1's
		// incremental-seed variant (that quirk is pinned to v1 only).
		want := crcutil.Checksum(0, dst)
		if binary.LittleEndian.Uint32(crcBuf[:crcSize]) != want {
			return fmt.Errorf("partclone: block %d checksum mismatch: %w", b.cursor, imgerr.ErrBadRecord)
		}
	}
	return nil
}

func (v *v2State) blockUsed(b *Backend) bool {
	return v.bitmap.Test(uint(b.cursor))
}

func (v *v2State) writeBlock(b *Backend, src []byte) error {
	return nil
}
