// Package nbd implements the Network Block Device server loop: it attaches
// an opened image.Handle to a kernel /dev/nbdN device via NBD ioctls, then
// answers the kernel's read/write/disconnect requests over the other half
// of a socket pair until told to stop.
package nbd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	fileatomic "github.com/natefinch/atomic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vasi/partclone-utils/image"
)

// Wire protocol constants, fixed by the Linux kernel's nbd.ko ABI.
const (
	requestMagic uint32 = 0x25609513
	replyMagic   uint32 = 0x67446698

	cmdRead  uint32 = 0
	cmdWrite uint32 = 1
	cmdDisc  uint32 = 2

	requestBytes = 28 // magic(4) type(4) handle(8) from(8) len(4)
	replyBytes   = 16 // magic(4) error(4) handle(8)

	readbufInitial = 1024 * 1024
	readbufCeiling = 0x80000000 // 2 GiB; never grow past this
)

// ioctl request codes from <linux/nbd.h>.
const (
	ioctlSetSock       = 0xab00
	ioctlSetBlkSize    = 0xab01
	ioctlSetSize       = 0xab02
	ioctlDoIt          = 0xab03
	ioctlClearSock     = 0xab04
	ioctlSetSizeBlocks = 0xab07
	ioctlDisconnect    = 0xab08
	ioctlSetTimeout    = 0xab09
)

// Config describes one NBD session: the kernel device to bind, its block
// size, and whether writes are permitted.
type Config struct {
	Device    string // e.g. "/dev/nbd0"
	BlockSize uint64 // must be a power of two
	ReadOnly  bool
	Timeout   int // seconds; negative means "don't set"
	PidFile   string
}

type request struct {
	Magic  uint32
	Type   uint32
	Handle [8]byte
	From   uint64
	Len    uint32
}

func unmarshalRequest(buf []byte) request {
	return request{
		Magic: binary.BigEndian.Uint32(buf[0:4]),
		Type:  binary.BigEndian.Uint32(buf[4:8]),
		Handle: [8]byte{buf[8], buf[9], buf[10], buf[11], buf[12], buf[13], buf[14], buf[15]},
		From:  binary.BigEndian.Uint64(buf[16:24]),
		Len:   binary.BigEndian.Uint32(buf[24:28]),
	}
}

type reply struct {
	Magic  uint32
	Error  uint32
	Handle [8]byte
}

func (r reply) marshal() []byte {
	buf := make([]byte, replyBytes)
	binary.BigEndian.PutUint32(buf[0:4], r.Magic)
	binary.BigEndian.PutUint32(buf[4:8], r.Error)
	copy(buf[8:16], r.Handle[:])
	return buf
}

// Service owns one active NBD session: the kernel device, the socket pair
// end we read requests from and write replies to, and the image handle
// backing it.
type Service struct {
	img        *image.Handle
	devFile    *os.File
	sockFd     int // our end of the socketpair; the other end was handed to the kernel
	blocksize  uint64
	blockmask  uint64
	offsetmask uint64
	sessionID  uuid.UUID
	log        *logrus.Entry

	stopping int32
}

// Connect opens cfg.Device, negotiates size and block size with the
// kernel via ioctl, and starts the kernel I/O thread (NBD_DO_IT) in the
// background. The returned Service is ready for ServiceRequests.
func Connect(cfg Config, img *image.Handle) (*Service, error) {
	blocksize := cfg.BlockSize
	if blocksize == 0 {
		blocksize = 4096
	}
	blockcount, err := img.BlockCount()
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("nbd: socketpair: %w", err)
	}
	kernelFd, ourFd := fds[0], fds[1]

	devFile, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
	if err != nil {
		unix.Close(kernelFd)
		unix.Close(ourFd)
		return nil, fmt.Errorf("nbd: open %s: %w", cfg.Device, err)
	}
	devFd := int(devFile.Fd())

	if cfg.Timeout >= 0 {
		if err := unix.IoctlSetInt(devFd, ioctlSetTimeout, cfg.Timeout); err != nil {
			devFile.Close()
			unix.Close(kernelFd)
			unix.Close(ourFd)
			return nil, fmt.Errorf("nbd: NBD_SET_TIMEOUT: %w", err)
		}
	}
	_ = unix.IoctlSetInt(devFd, ioctlClearSock, 0)
	if err := unix.IoctlSetInt(devFd, ioctlSetSock, kernelFd); err != nil {
		devFile.Close()
		unix.Close(kernelFd)
		unix.Close(ourFd)
		return nil, fmt.Errorf("nbd: NBD_SET_SOCK: %w", err)
	}
	if err := unix.IoctlSetInt(devFd, ioctlSetBlkSize, int(blocksize)); err != nil {
		devFile.Close()
		return nil, fmt.Errorf("nbd: NBD_SET_BLKSIZE: %w", err)
	}
	if err := unix.IoctlSetInt(devFd, ioctlSetSizeBlocks, int(blockcount)); err != nil {
		devFile.Close()
		return nil, fmt.Errorf("nbd: NBD_SET_SIZE_BLOCKS: %w", err)
	}

	sid := uuid.New()
	log := logrus.WithFields(logrus.Fields{"component": "nbd", "device": cfg.Device, "session": sid.String()})

	// The kernel's NBD_DO_IT blocks the calling thread until the device
	// is disconnected or NBD_CLEAR_SOCK is issued; run it off a
	// dedicated goroutine in place of the original's forked child.
	go func() {
		if err := unix.IoctlSetInt(devFd, ioctlDoIt, 0); err != nil {
			log.WithError(err).Debug("NBD_DO_IT returned")
		}
	}()

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile, os.Getpid()); err != nil {
			log.WithError(err).Warn("failed to write pid file")
		}
	}

	s := &Service{
		img:        img,
		devFile:    devFile,
		sockFd:     ourFd,
		blocksize:  blocksize,
		blockmask:  ^(blocksize - 1),
		offsetmask: blocksize - 1,
		sessionID:  sid,
		log:        log,
	}
	return s, nil
}

func writePidFile(path string, pid int) error {
	return fileatomic.WriteFile(path, bytesReader(fmt.Sprintf("%d\n", pid)))
}

func bytesReader(s string) io.Reader { return stringReader{s} }

type stringReader struct{ s string }

func (r stringReader) Read(p []byte) (int, error) {
	n := copy(p, r.s)
	if n < len(r.s) {
		return n, nil
	}
	return n, io.EOF
}

// Disconnect issues NBD_DISCONNECT on the bound device, causing the
// backgrounded NBD_DO_IT ioctl to return.
func (s *Service) Disconnect() error {
	if err := unix.IoctlSetInt(int(s.devFile.Fd()), ioctlDisconnect, 0); err != nil {
		return fmt.Errorf("nbd: NBD_DISCONNECT: %w", err)
	}
	return nil
}

// Close releases the bound device and socket descriptor.
func (s *Service) Close() error {
	unix.Close(s.sockFd)
	return s.devFile.Close()
}

// ServiceRequests is the main request/reply loop. It stops when the
// kernel issues NBD_CMD_DISC, when ctx is cancelled, or when a SIGINT,
// SIGHUP, SIGTERM, or SIGQUIT arrives, matching the original's signal set.
func (s *Service) ServiceRequests(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-sigs:
		}
		markStopping(&s.stopping)
		unix.Shutdown(s.sockFd, unix.SHUT_RDWR)
		close(done)
	}()

	readbuf := make([]byte, readbufInitial)
	reqbuf := make([]byte, requestBytes)

	for !isStopping(&s.stopping) {
		if err := readFull(s.sockFd, reqbuf); err != nil {
			if isStopping(&s.stopping) {
				break
			}
			return fmt.Errorf("nbd: read request: %w", err)
		}
		req := unmarshalRequest(reqbuf)
		if req.Magic != requestMagic {
			s.log.Warnf("bad request magic %#x, dropping session", req.Magic)
			break
		}

		if req.Type == cmdDisc {
			s.log.Info("NBD_CMD_DISC received")
			break
		}

		offset := req.From
		length := uint64(req.Len)
		startBlockOffs := offset & s.blockmask
		sboffs := offset & s.offsetmask
		endBlockOffs := (offset + length - 1) & s.blockmask
		eboffs := (offset + length - 1) & s.offsetmask
		startBlock := startBlockOffs / s.blocksize
		blockCount := (endBlockOffs - startBlockOffs) / s.blocksize
		if length > 0 {
			blockCount++
		}

		needed := blockCount * s.blocksize
		if needed >= readbufCeiling {
			return fmt.Errorf("nbd: refusing to grow read buffer to %d bytes", needed)
		}
		if uint64(len(readbuf)) < needed {
			readbuf = make([]byte, needed)
		}
		buf := readbuf[:needed]

		var opErr error
		switch req.Type {
		case cmdWrite:
			opErr = s.handleWrite(buf, startBlock, blockCount, sboffs, eboffs, length)
		case cmdRead:
			opErr = s.handleRead(buf, startBlock, blockCount)
		default:
			opErr = fmt.Errorf("nbd: unknown command %d", req.Type)
		}

		rep := reply{Magic: replyMagic, Handle: req.Handle}
		if opErr != nil {
			rep.Error = uint32(unix.EIO)
			s.log.WithError(opErr).Debug("request failed")
		}
		if err := writeFull(s.sockFd, rep.marshal()); err != nil {
			return fmt.Errorf("nbd: write reply: %w", err)
		}
		if req.Type == cmdRead && opErr == nil {
			if err := writeFull(s.sockFd, buf[sboffs:sboffs+length]); err != nil {
				return fmt.Errorf("nbd: write reply payload: %w", err)
			}
		}
	}
	cancel()
	<-done
	return nil
}

// handleWrite primes any partial leading/trailing block with the
// existing image contents before overlaying the new bytes, so a
// sub-block write never corrupts the untouched portion of the block.
func (s *Service) handleWrite(buf []byte, startBlock, blockCount, sboffs, eboffs, length uint64) error {
	if blockCount == 1 {
		if sboffs != 0 || eboffs != s.offsetmask {
			if err := s.img.Seek(startBlock); err != nil {
				return err
			}
			if err := s.img.ReadBlocks(buf[:s.blocksize], 1); err != nil {
				return err
			}
		}
	} else {
		if sboffs != 0 {
			if err := s.img.Seek(startBlock); err != nil {
				return err
			}
			if err := s.img.ReadBlocks(buf[:s.blocksize], 1); err != nil {
				return err
			}
		}
		if eboffs != s.offsetmask {
			tailOff := (blockCount - 1) * s.blocksize
			if err := s.img.Seek(startBlock + blockCount - 1); err != nil {
				return err
			}
			if err := s.img.ReadBlocks(buf[tailOff:tailOff+s.blocksize], 1); err != nil {
				return err
			}
		}
	}
	if err := readFull(s.sockFd, buf[sboffs:sboffs+length]); err != nil {
		return err
	}
	if err := s.img.Seek(startBlock); err != nil {
		return err
	}
	return s.img.WriteBlocks(buf[:blockCount*s.blocksize], blockCount)
}

func (s *Service) handleRead(buf []byte, startBlock, blockCount uint64) error {
	if err := s.img.Seek(startBlock); err != nil {
		return err
	}
	return s.img.ReadBlocks(buf[:blockCount*s.blocksize], blockCount)
}

func readFull(fd int, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		total += n
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		total += n
	}
	return nil
}

func markStopping(p *int32)     { atomic.StoreInt32(p, 1) }
func isStopping(p *int32) bool { return atomic.LoadInt32(p) != 0 }
