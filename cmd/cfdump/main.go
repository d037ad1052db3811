// Command cfdump prints the header's total block count and every stored
// block of one or more change files, verifying each block's trailer as it
// goes. The block size
// is not recorded in the change-file header, so it is discovered by
// trying successive power-of-two sizes against the first used block until
// one validates.
package main

import (
	"fmt"
	"os"

	satoriuuid "github.com/satori/go.uuid"

	"github.com/vasi/partclone-utils/changefile"
)

const (
	probeStartSize = 512
	probeMaxSize   = 128 * 1024 * 1024
)

func main() {
	runID := satoriuuid.NewV4()
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <changefile>...\n", os.Args[0])
		os.Exit(2)
	}
	status := 0
	for _, path := range os.Args[1:] {
		if err := dumpOne(runID, path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			status = 1
		}
	}
	os.Exit(status)
}

func dumpOne(runID satoriuuid.UUID, path string) error {
	cf, err := changefile.Inspect(path, nil)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer cf.Finish()

	total := cf.TotalBlocks()
	fmt.Printf("[%s] %s: %d total blocks\n", runID, path, total)

	var nfound uint64
	blockSize := 0
	for bi := uint64(0); bi < total; bi++ {
		if err := cf.Seek(bi); err != nil {
			return err
		}
		if !cf.BlockUsed() {
			continue
		}
		nfound++
		fmt.Printf("%d: ", bi)

		if blockSize == 0 {
			blockSize = discoverBlockSize(cf, bi)
		}
		buf := make([]byte, blockSize)
		if err := cf.Seek(bi); err != nil {
			return err
		}
		if blockSize == 0 || cf.ReadBlock(buf) != nil {
			fmt.Println("INVALID")
			continue
		}
		fmt.Println("ok")
		hexdump(buf)
	}
	return nil
}

// discoverBlockSize mirrors the original tool's probe: grow the buffer
// size from 512 bytes by doubling until a trailer at that offset
// validates, capping at 128MiB.
func discoverBlockSize(cf *changefile.File, block uint64) int {
	for size := probeStartSize; size <= probeMaxSize; size *= 2 {
		if err := cf.Seek(block); err != nil {
			return 0
		}
		buf := make([]byte, size)
		if cf.ReadBlock(buf) == nil {
			return size
		}
	}
	return 0
}

func hexdump(buf []byte) {
	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}
		row := buf[off:end]
		fmt.Printf("0x%04x: ", off)
		for _, b := range row {
			fmt.Printf("%02x ", b)
		}
		for _, b := range row {
			if b >= 0x20 && b < 0x7f {
				fmt.Printf("%c", b)
			} else if b == 0 {
				fmt.Print(" ")
			} else {
				fmt.Print(".")
			}
		}
		fmt.Println()
	}
}
