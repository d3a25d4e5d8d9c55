package journal

// ============================================================================
// Checksums
// Responsibility: CRC32 over a record's sequence number and payload
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum hashes the big-endian seq followed by the payload bytes
func CalculateChecksum(seq uint64, payload []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum reports whether rec carries the checksum of its content
func VerifyChecksum(rec Record) bool {
	return rec.Checksum == CalculateChecksum(rec.Seq, rec.Payload)
}
