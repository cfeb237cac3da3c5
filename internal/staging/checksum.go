package staging

import "hash/crc32"

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumChunk computes the Castagnoli checksum used for the optional
// per-chunk digest on the upload channel and for meta file integrity.
func ChecksumChunk(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}
