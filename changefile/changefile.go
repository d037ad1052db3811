// Package changefile implements the copy-on-write overlay that every image
// backend writes through: a fixed 32-byte header, an in-memory block-map of
// file offsets, and appended payload+trailer records.
package changefile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vasi/partclone-utils/crcutil"
	"github.com/vasi/partclone-utils/imgerr"
	"github.com/vasi/partclone-utils/sysio"
)

const (
	magic1      uint32 = 0xDEADBEEF
	magic2      uint32 = 0xFEEDF00D
	magic3      uint32 = 0x3A070045
	version1    uint16 = 1
	flagDirty   uint16 = 1 << 0
	headerBytes        = 32
	trailerBytes       = 16 // u64 curblock + u32 crc + u32 magic3
)

// Header is the on-disk, byte-exact 32-byte change-file header.
type Header struct {
	Magic1         uint32
	Version        uint16
	Flags          uint16
	TotalBlocks    uint64
	UsedBlocks     uint64
	BlockmapOffset uint32
	Magic2         uint32
}

func (h Header) dirty() bool { return h.Flags&flagDirty != 0 }

func (h *Header) marshal() []byte {
	buf := make([]byte, headerBytes)
	binary.LittleEndian.PutUint32(buf[0x00:], h.Magic1)
	binary.LittleEndian.PutUint16(buf[0x04:], h.Version)
	binary.LittleEndian.PutUint16(buf[0x06:], h.Flags)
	binary.LittleEndian.PutUint64(buf[0x08:], h.TotalBlocks)
	binary.LittleEndian.PutUint64(buf[0x10:], h.UsedBlocks)
	binary.LittleEndian.PutUint32(buf[0x18:], h.BlockmapOffset)
	binary.LittleEndian.PutUint32(buf[0x1C:], h.Magic2)
	return buf
}

func unmarshalHeader(buf []byte) Header {
	return Header{
		Magic1:         binary.LittleEndian.Uint32(buf[0x00:]),
		Version:        binary.LittleEndian.Uint16(buf[0x04:]),
		Flags:          binary.LittleEndian.Uint16(buf[0x06:]),
		TotalBlocks:    binary.LittleEndian.Uint64(buf[0x08:]),
		UsedBlocks:     binary.LittleEndian.Uint64(buf[0x10:]),
		BlockmapOffset: binary.LittleEndian.Uint32(buf[0x18:]),
		Magic2:         binary.LittleEndian.Uint32(buf[0x1C:]),
	}
}

// Trailer follows every stored block payload.
type Trailer struct {
	CurBlock uint64
	CRC      uint32
	Magic    uint32
}

func (t Trailer) marshal() []byte {
	buf := make([]byte, trailerBytes)
	binary.LittleEndian.PutUint64(buf[0:], t.CurBlock)
	binary.LittleEndian.PutUint32(buf[8:], t.CRC)
	binary.LittleEndian.PutUint32(buf[12:], t.Magic)
	return buf
}

func unmarshalTrailer(buf []byte) Trailer {
	return Trailer{
		CurBlock: binary.LittleEndian.Uint64(buf[0:]),
		CRC:      binary.LittleEndian.Uint32(buf[8:]),
		Magic:    binary.LittleEndian.Uint32(buf[12:]),
	}
}

// File owns one change file: its device, header, and in-memory block-map.
type File struct {
	dev       sysio.Device
	blocksize uint64
	header    Header
	blockmap  []uint64 // absolute file offset per block, 0 = absent
	cursor    uint64
	log       *logrus.Entry
}

// Create opens cfpath if it exists, or creates and initialises it if not,
// then verifies it. blockcount is the backend's block count (verify also
// accepts blockcount+1, the NTFS trailing-cluster case).
func Create(cfpath string, blocksize, blockcount uint64, log *logrus.Entry) (*File, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dev, err := sysio.Open(cfpath, sysio.ReadWrite)
	if err != nil {
		dev, err = sysio.Open(cfpath, sysio.Create)
		if err != nil {
			return nil, fmt.Errorf("changefile: create %s: %w", cfpath, err)
		}
		if err := initializeNewFile(dev, blockcount); err != nil {
			dev.Close()
			return nil, err
		}
		if err := dev.Close(); err != nil {
			return nil, err
		}
		dev, err = sysio.Open(cfpath, sysio.ReadWrite)
		if err != nil {
			return nil, fmt.Errorf("changefile: reopen %s: %w", cfpath, err)
		}
	}

	cf := &File{dev: dev, blocksize: blocksize, log: log.WithField("changefile", cfpath)}
	if err := cf.verify(blockcount); err != nil {
		dev.Close()
		return nil, err
	}
	return cf, nil
}

// Inspect opens an existing change file read-only for diagnostics,
// trusting its own header for the block count rather than requiring the
// caller to already know the backend's blockcount. Used by cfdump, which
// has no backend context to draw that number from.
func Inspect(cfpath string, log *logrus.Entry) (*File, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dev, err := sysio.Open(cfpath, sysio.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("changefile: open %s: %w", cfpath, err)
	}
	buf := make([]byte, headerBytes)
	if err := dev.Read(buf); err != nil {
		dev.Close()
		return nil, fmt.Errorf("changefile: read header: %w", imgerr.ErrBadRecord)
	}
	h := unmarshalHeader(buf)
	if h.Magic1 != magic1 || h.Magic2 != magic2 {
		dev.Close()
		return nil, fmt.Errorf("changefile: bad header magic: %w", imgerr.ErrBadRecord)
	}
	cf := &File{dev: dev, log: log.WithField("changefile", cfpath)}
	if err := cf.verify(h.TotalBlocks); err != nil {
		dev.Close()
		return nil, err
	}
	return cf, nil
}

func initializeNewFile(dev sysio.Device, blockcount uint64) error {
	h := Header{
		Magic1:         magic1,
		Version:        version1,
		Flags:          0,
		TotalBlocks:    blockcount,
		UsedBlocks:     0,
		BlockmapOffset: headerBytes,
		Magic2:         magic2,
	}
	if err := dev.Write(h.marshal()); err != nil {
		return fmt.Errorf("changefile: write header: %w", err)
	}
	bmap := make([]byte, blockcount*8)
	if err := dev.Write(bmap); err != nil {
		return fmt.Errorf("changefile: write blockmap: %w", err)
	}
	return nil
}

// verify reloads the header and block-map from disk, rejecting bad magics
// and a total_blocks that is neither expectBlockcount nor one more.
func (cf *File) verify(expectBlockcount uint64) error {
	if _, err := cf.dev.Seek(0, sysio.SeekAbsolute); err != nil {
		return err
	}
	buf := make([]byte, headerBytes)
	if err := cf.dev.Read(buf); err != nil {
		return fmt.Errorf("changefile: read header: %w", imgerr.ErrBadRecord)
	}
	h := unmarshalHeader(buf)
	if h.Magic1 != magic1 || h.Magic2 != magic2 {
		return fmt.Errorf("changefile: bad header magic: %w", imgerr.ErrBadRecord)
	}
	if h.TotalBlocks != expectBlockcount && h.TotalBlocks != expectBlockcount+1 {
		return fmt.Errorf("changefile: total_blocks %d does not match backend blockcount %d: %w",
			h.TotalBlocks, expectBlockcount, imgerr.ErrBadRecord)
	}
	cf.header = h

	if _, err := cf.dev.Seek(int64(h.BlockmapOffset), sysio.SeekAbsolute); err != nil {
		return err
	}
	raw := make([]byte, h.TotalBlocks*8)
	if err := cf.dev.Read(raw); err != nil {
		return fmt.Errorf("changefile: read blockmap: %w", imgerr.ErrIO)
	}
	bmap := make([]uint64, h.TotalBlocks)
	for i := range bmap {
		bmap[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	cf.blockmap = bmap
	return nil
}

// TotalBlocks returns the header's recorded block count (which may be
// backend-blockcount+1 for the NTFS trailing-cluster case).
func (cf *File) TotalBlocks() uint64 { return cf.header.TotalBlocks }

// Seek sets the in-memory cursor only.
func (cf *File) Seek(block uint64) error {
	if block > cf.header.TotalBlocks {
		return fmt.Errorf("changefile: seek block %d beyond %d: %w", block, cf.header.TotalBlocks, imgerr.ErrOutOfRange)
	}
	cf.cursor = block
	return nil
}

// ReadBlock reads the block at the current cursor into buf, which must be
// exactly blocksize bytes.
func (cf *File) ReadBlock(buf []byte) error {
	off := cf.blockmap[cf.cursor]
	if off == 0 {
		return fmt.Errorf("changefile: block %d: %w", cf.cursor, imgerr.ErrNotPresent)
	}
	if _, err := cf.dev.Seek(int64(off), sysio.SeekAbsolute); err != nil {
		return err
	}
	if err := cf.dev.Read(buf); err != nil {
		return fmt.Errorf("changefile: read block %d payload: %w", cf.cursor, imgerr.ErrIO)
	}
	traw := make([]byte, trailerBytes)
	if err := cf.dev.Read(traw); err != nil {
		return fmt.Errorf("changefile: read block %d trailer: %w", cf.cursor, imgerr.ErrIO)
	}
	trailer := unmarshalTrailer(traw)
	want := crcutil.Checksum(0, buf)
	if trailer.CurBlock != cf.cursor || trailer.Magic != magic3 || trailer.CRC != want {
		return fmt.Errorf("changefile: block %d trailer mismatch: %w", cf.cursor, imgerr.ErrBadRecord)
	}
	return nil
}

// BlockUsed reports whether the current cursor has an overlay entry.
func (cf *File) BlockUsed() bool {
	return cf.blockmap[cf.cursor] != 0
}

// WriteBlock writes buf (exactly blocksize bytes) at the current cursor, in
// place if a record already exists there, or appended to the end otherwise.
func (cf *File) WriteBlock(buf []byte) error {
	off := cf.blockmap[cf.cursor]
	var curPos int64
	var err error
	if off != 0 {
		curPos, err = cf.dev.Seek(int64(off), sysio.SeekAbsolute)
	} else {
		curPos, err = cf.dev.Seek(0, sysio.SeekEnd)
	}
	if err != nil {
		return err
	}
	if err := cf.dev.Write(buf); err != nil {
		return fmt.Errorf("changefile: write block %d payload: %w", cf.cursor, imgerr.ErrIO)
	}
	trailer := Trailer{CurBlock: cf.cursor, CRC: crcutil.Checksum(0, buf), Magic: magic3}
	if err := cf.dev.Write(trailer.marshal()); err != nil {
		return fmt.Errorf("changefile: write block %d trailer: %w", cf.cursor, imgerr.ErrIO)
	}
	if off == 0 {
		cf.blockmap[cf.cursor] = uint64(curPos)
		cf.header.UsedBlocks++
		cf.header.Flags |= flagDirty
		cf.log.Debugf("block %d appended at offset %d, used_blocks=%d", cf.cursor, curPos, cf.header.UsedBlocks)
	}
	return nil
}

// Sync flushes the header and block-map to disk if dirty.
func (cf *File) Sync() error {
	if !cf.header.dirty() {
		return nil
	}
	clean := cf.header
	clean.Flags &^= flagDirty
	if _, err := cf.dev.Seek(0, sysio.SeekAbsolute); err != nil {
		return err
	}
	if err := cf.dev.Write(clean.marshal()); err != nil {
		return fmt.Errorf("changefile: write header: %w", imgerr.ErrIO)
	}
	if _, err := cf.dev.Seek(int64(clean.BlockmapOffset), sysio.SeekAbsolute); err != nil {
		return err
	}
	raw := make([]byte, len(cf.blockmap)*8)
	for i, v := range cf.blockmap {
		binary.LittleEndian.PutUint64(raw[i*8:], v)
	}
	if err := cf.dev.Write(raw); err != nil {
		return fmt.Errorf("changefile: write blockmap: %w", imgerr.ErrIO)
	}
	cf.header.Flags &^= flagDirty
	return nil
}

// Finish syncs if dirty, then releases the device.
func (cf *File) Finish() error {
	if cf.header.dirty() {
		if err := cf.Sync(); err != nil {
			return err
		}
	}
	cf.blockmap = nil
	return cf.dev.Close()
}

// Exists reports whether path names an existing change file, used by
// backends deciding whether to attach one eagerly on open.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
