// Package crcutil implements the two CRC-32 variants the on-disk formats
// depend on: the correct reflected CRC-32 (poly 0xEDB88320) used by
// change-file trailers, and the bug-compatible variant partclone v1 images
// were actually written with.
package crcutil

import "hash/crc32"

// ieeeTable is the standard reflected CRC-32 table, polynomial 0xEDB88320.
// crc32.IEEE is that exact polynomial, so the stdlib table is reused rather
// than hand-built.
var ieeeTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the correct CRC-32 of buf, seeded with seed. Change-file
// trailers use Checksum(0, payload) and partclone v2 records use it too.
func Checksum(seed uint32, buf []byte) uint32 {
	return crc32.Update(seed, ieeeTable, buf)
}

// V1Checksum reproduces partclone v1's per-block checksum exactly as the
// original C computed it: the update loop folds buf[0] into the CRC `len`
// times rather than walking the buffer. This is not a real CRC of buf's
// contents — it is a documented bug in the format's historical writer that
// existing v1 images depend on. Do not "fix" this to checksum the whole
// buffer; that would make it unable to verify any image written by the
// original tool.
func V1Checksum(seed uint32, buf []byte) uint32 {
	crc := seed
	if len(buf) == 0 {
		return crc
	}
	b := buf[0]
	for i := 0; i < len(buf); i++ {
		crc = ieeeTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}
