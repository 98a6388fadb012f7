package network

import "hash/crc32"

// Checksum returns the IEEE CRC-32 of a data payload.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// VerifyChecksum reports whether payload still matches its advertised checksum.
func VerifyChecksum(payload []byte, checksum uint32) bool {
	return Checksum(payload) == checksum
}
