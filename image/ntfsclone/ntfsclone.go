// Package ntfsclone implements the ntfsclone (version 10.x) image backend:
// a packed header followed by a run-length "atom" stream (empty runs and
// used-cluster records), decoded once into a usage bitmap plus a bucketed
// offset index for fast seeking.
package ntfsclone

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/vasi/partclone-utils/backend"
	"github.com/vasi/partclone-utils/changefile"
	"github.com/vasi/partclone-utils/imgerr"
	"github.com/vasi/partclone-utils/sysio"
)

const (
	imageMagic       = "\x00ntfsclone-image"
	headerBytes      = 64
	atomBytes        = 9 // 1-byte type + 8-byte union
	atomUnionOffset  = 1 // ATOM_TO_DATA_OFFSET: bytes of the atom before the union/data
	bucketFactor     = 10
	toleranceLimit   = 128
	atomTypeEmpty    = 0
	atomTypeUsed     = 1
)

// Header is the 64-byte packed, little-endian ntfsclone image header.
type Header struct {
	Major              uint8
	Minor              uint8
	ClusterSize        uint32
	DeviceSize         int64
	NrClusters         int64
	Inuse              int64
	OffsetToImageData  uint32
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) < headerBytes {
		return Header{}, fmt.Errorf("ntfsclone: short header: %w", imgerr.ErrBadRecord)
	}
	if !bytes.Equal(buf[0:16], []byte(imageMagic)) {
		return Header{}, fmt.Errorf("ntfsclone: bad magic: %w", imgerr.ErrUnsupported)
	}
	h := Header{
		Major:             buf[16],
		Minor:             buf[17],
		ClusterSize:       binary.LittleEndian.Uint32(buf[18:22]),
		DeviceSize:        int64(binary.LittleEndian.Uint64(buf[22:30])),
		NrClusters:        int64(binary.LittleEndian.Uint64(buf[30:38])),
		Inuse:             int64(binary.LittleEndian.Uint64(buf[38:46])),
		OffsetToImageData: binary.LittleEndian.Uint32(buf[46:50]),
	}
	return h, nil
}

func supportedVersion(h Header) bool {
	return (h.Major == 10 && h.Minor == 0) || (h.Major == 10 && h.Minor == 1)
}

// Backend is the ntfsclone implementation of backend.Backend.
type Backend struct {
	dev            sysio.Device
	path           string
	cfPath         string
	mode           backend.Mode
	header         Header
	nrClusters     uint64 // header.NrClusters + 1, the trailing mirror cluster
	bitmap         *bitset.BitSet
	bucketOffset   []int64
	currentBucket  uint64
	precedingFree  uint64
	cursor         uint64
	cf             *changefile.File
	state          backend.State
	tolerant       bool
	invalidBlock   []byte
	log            *logrus.Entry
}

func (*Backend) Name() string { return "ntfsclone image" }

// Probe reports whether path's header matches the ntfsclone magic and a
// supported (major, minor) version.
func Probe(path string) bool {
	dev, err := sysio.Open(path, sysio.ReadOnly)
	if err != nil {
		return false
	}
	defer dev.Close()
	buf := make([]byte, headerBytes)
	if err := dev.Read(buf); err != nil {
		return false
	}
	h, err := parseHeader(buf)
	if err != nil {
		return false
	}
	return supportedVersion(h)
}

// Open reads and validates the header; the atom-stream walk happens in
// Verify.
func Open(path, cfpath string, mode backend.Mode) (backend.Backend, error) {
	dev, err := sysio.Open(path, sysio.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("ntfsclone: open %s: %w", path, err)
	}
	buf := make([]byte, headerBytes)
	if err := dev.Read(buf); err != nil {
		dev.Close()
		return nil, fmt.Errorf("ntfsclone: read header %s: %w", path, err)
	}
	h, err := parseHeader(buf)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if !supportedVersion(h) {
		dev.Close()
		return nil, fmt.Errorf("ntfsclone: unsupported version %d.%d: %w", h.Major, h.Minor, imgerr.ErrUnsupported)
	}
	b := &Backend{
		dev:    dev,
		path:   path,
		cfPath: cfpath,
		mode:   mode,
		header: h,
		state:  backend.Opened,
		log:    logrus.WithField("backend", "ntfsclone").WithField("path", path),
	}
	b.invalidBlock = bytes.Repeat([]byte{backend.InvalidBlockByte}, int(h.ClusterSize))
	return b, nil
}

func (b *Backend) SetTolerant(t bool) { b.tolerant = t }

// Verify walks the atom stream once, builds the usage bitmap and the
// bucketed offset index, bumps the cluster count by one for the trailing
// mirror cluster, then attaches and verifies the change file if writable.
func (b *Backend) Verify() error {
	if err := backend.RequireState(b.state, backend.Opened); err != nil {
		return err
	}
	// Bump nr_clusters by one to account for the trailing mirrored
	// cluster (present on disk for 10.1, synthesized for 10.0).
	b.nrClusters = uint64(b.header.NrClusters) + 1
	b.bitmap = bitset.New(uint(b.nrClusters))
	b.bucketOffset = make([]int64, (b.nrClusters>>bucketFactor)+1)

	if _, err := b.dev.Seek(int64(b.header.OffsetToImageData), sysio.SeekAbsolute); err != nil {
		return err
	}

	var cclust uint64
	var consecBad int
	for cclust < b.nrClusters {
		pos, _ := b.dev.Seek(0, sysio.SeekRelative)
		atomBuf := make([]byte, atomBytes)
		if err := b.dev.Read(atomBuf); err != nil {
			if b.tolerant {
				b.dev.Seek(pos+atomBytes, sysio.SeekAbsolute)
				cclust++
				continue
			}
			return fmt.Errorf("ntfsclone: atom stream read at cluster %d: %w", cclust, imgerr.ErrIO)
		}
		atype := atomBuf[0]
		switch atype {
		case atomTypeEmpty:
			consecBad = 0
			count := binary.LittleEndian.Uint64(atomBuf[1:9])
			cclust += count
		case atomTypeUsed:
			consecBad = 0
			cfoffs, err := b.dev.Seek(int64(b.header.ClusterSize)-8, sysio.SeekRelative)
			if err != nil {
				if b.tolerant {
					cclust = b.nrClusters
					break
				}
				return err
			}
			b.bitmap.Set(uint(cclust))
			bucket := cclust >> bucketFactor
			if b.bucketOffset[bucket] == 0 {
				b.bucketOffset[bucket] = cfoffs - int64(b.header.ClusterSize) - atomUnionOffset
			}
			cclust++
		default:
			if b.tolerant {
				if consecBad > toleranceLimit {
					cclust = b.nrClusters
				} else {
					consecBad++
				}
			} else {
				return fmt.Errorf("ntfsclone: framing error at cluster %d (atom type %d): %w", cclust, atype, imgerr.ErrBadRecord)
			}
		}
	}

	if b.cfPath != "" && b.mode == backend.ReadWrite {
		cf, err := changefile.Create(b.cfPath, uint64(b.header.ClusterSize), b.nrClusters, b.log)
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
	return b.header.ClusterSize
}

func (b *Backend) BlockCount() uint64 {
	if b.state < backend.Verified {
		return 0
	}
	return b.nrClusters
}

// redirectTrailing implements the 10.0-vs-10.1 rule: when the trailing
// mirror cluster is not actually stored in the image (10.0), a read of it
// is silently redirected to cluster 0.
func (b *Backend) redirectTrailing(block uint64) uint64 {
	trailingInImage := b.header.Minor >= 1
	if !trailingInImage && block == uint64(b.header.NrClusters) {
		return 0
	}
	return block
}

func (b *Backend) Seek(block uint64) error {
	if err := backend.RequireState(b.state, backend.Verified); err != nil {
		return err
	}
	block = b.redirectTrailing(block)
	bucket := block >> bucketFactor
	if bucket != b.currentBucket {
		var free uint64
		pbn := bucket << bucketFactor
		for pbn+free < block && !b.bitmap.Test(uint(pbn+free)) {
			free++
		}
		b.precedingFree = free
		b.currentBucket = bucket
	}
	b.cursor = block
	if b.cf != nil {
		return b.cf.Seek(block)
	}
	return nil
}

func (b *Backend) Tell() uint64 { return b.cursor }

// seekToCluster positions the device read cursor at the start of cluster
// cnum's data, using the bucket offset index and an atom-stream walk
// forward from the bucket's first used cluster.
func (b *Backend) seekToCluster(cnum uint64) error {
	bucket := cnum >> bucketFactor
	imgpos := b.bucketOffset[bucket]
	if !b.bitmap.Test(uint(cnum)) || imgpos == 0 {
		return fmt.Errorf("ntfsclone: cluster %d not used: %w", cnum, imgerr.ErrNotPresent)
	}
	var cpos uint64
	if bucket == b.currentBucket {
		cpos = (b.currentBucket << bucketFactor) + b.precedingFree
	} else {
		cpos = cnum &^ ((1 << bucketFactor) - 1)
		for !b.bitmap.Test(uint(cpos)) {
			cpos++
		}
	}
	if _, err := b.dev.Seek(imgpos, sysio.SeekAbsolute); err != nil {
		return err
	}
	for cpos < cnum {
		atomBuf := make([]byte, atomBytes)
		if err := b.dev.Read(atomBuf); err != nil {
			return err
		}
		switch atomBuf[0] {
		case atomTypeEmpty:
			cpos += binary.LittleEndian.Uint64(atomBuf[1:9])
		case atomTypeUsed:
			if _, err := b.dev.Seek(int64(b.header.ClusterSize)-8, sysio.SeekRelative); err != nil {
				return err
			}
			cpos++
		default:
			return fmt.Errorf("ntfsclone: framing error walking to cluster %d: %w", cnum, imgerr.ErrBadRecord)
		}
	}
	if cpos != cnum {
		return fmt.Errorf("ntfsclone: failed to align to cluster %d: %w", cnum, imgerr.ErrBadRecord)
	}
	_, err := b.dev.Seek(atomUnionOffset, sysio.SeekRelative)
	return err
}

func (b *Backend) ReadBlocks(buf []byte, n uint64) error {
	if err := backend.RequireState(b.state, backend.Verified); err != nil {
		return err
	}
	clusterSize := uint64(b.header.ClusterSize)
	for i := uint64(0); i < n; i++ {
		dst := buf[i*clusterSize : (i+1)*clusterSize]
		if err := b.readOneCluster(dst); err != nil {
			return err
		}
		b.cursor++
		if b.cf != nil {
			b.cf.Seek(b.cursor)
		}
	}
	return nil
}

func (b *Backend) readOneCluster(dst []byte) error {
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
	if b.bitmap.Test(uint(b.cursor)) {
		if err := b.seekToCluster(b.cursor); err != nil {
			return err
		}
		return b.dev.Read(dst)
	}
	copy(dst, b.invalidBlock)
	return nil
}

func (b *Backend) BlockUsed() bool {
	if b.cf != nil {
		if err := b.cf.Seek(b.cursor); err == nil && b.cf.BlockUsed() {
			return true
		}
	}
	return b.bitmap.Test(uint(b.cursor))
}

func (b *Backend) WriteBlocks(buf []byte, n uint64) error {
	if err := backend.RequireState(b.state, backend.Verified); err != nil {
		return err
	}
	if b.mode != backend.ReadWrite {
		return fmt.Errorf("ntfsclone: write: %w", imgerr.ErrNotWritable)
	}
	if b.cf == nil {
		if b.cfPath == "" {
			b.cfPath = b.path + ".cf"
		}
		cf, err := changefile.Create(b.cfPath, uint64(b.header.ClusterSize), b.nrClusters, b.log)
		if err != nil {
			return err
		}
		b.cf = cf
	}
	clusterSize := uint64(b.header.ClusterSize)
	for i := uint64(0); i < n; i++ {
		src := buf[i*clusterSize : (i+1)*clusterSize]
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
		return fmt.Errorf("ntfsclone: sync: %w", imgerr.ErrInvalid)
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
