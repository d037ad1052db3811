// Command imageinfo opens one or more image files through the façade,
// verifies them, and prints a cursory sanity report: block counts, which
// backend matched, and the on-disk file's recorded times.
package main

import (
	"fmt"
	"os"

	"gopkg.in/djherbis/times.v1"

	"github.com/vasi/partclone-utils/backend"
	"github.com/vasi/partclone-utils/image"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <image>...\n", os.Args[0])
		os.Exit(2)
	}
	status := 0
	for _, path := range os.Args[1:] {
		if err := report(path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			status = 1
		}
	}
	os.Exit(status)
}

func report(path string) error {
	img, err := image.Open(path, "", backend.ReadOnly, true)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer img.Close()

	if err := img.Verify(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	blockSize, _ := img.BlockSize()
	blockCount, _ := img.BlockCount()
	fmt.Printf("%s: backend=%s blocksize=%d blockcount=%d\n", path, img.Name(), blockSize, blockCount)

	if ts, err := times.Stat(path); err == nil {
		fmt.Printf("%s: mtime=%s", path, ts.ModTime())
		if ts.HasChangeTime() {
			fmt.Printf(" ctime=%s", ts.ChangeTime())
		}
		if ts.HasBirthTime() {
			fmt.Printf(" btime=%s", ts.BirthTime())
		}
		fmt.Println()
	}

	var used, free uint64
	for bi := uint64(0); bi < blockCount; bi++ {
		if err := img.Seek(bi); err != nil {
			return fmt.Errorf("seek %d: %w", bi, err)
		}
		ok, err := img.BlockUsed()
		if err != nil {
			return fmt.Errorf("block_used %d: %w", bi, err)
		}
		if ok {
			used++
		} else {
			free++
		}
	}
	fmt.Printf("%s: %d used, %d free\n", path, used, free)
	return nil
}
