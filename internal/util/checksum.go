package util

import (
	"encoding/binary"
	"hash/crc32"
)

// ChecksumSize is the length of an encoded checksum
const ChecksumSize = 4

// Castagnoli has hardware support on amd64 and arm64
var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ComputeChecksumParts computes the checksum of the concatenation of parts
// without materialising it
func ComputeChecksumParts(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		crc = crc32.Update(crc, crc32Table, p)
	}
	return crc
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum appends a 4-byte little-endian checksum to the data
// Format: [data][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data), len(data)+ChecksumSize)
	copy(result, data)
	return binary.LittleEndian.AppendUint32(result, ComputeChecksum(data))
}

// ValidateAndStripChecksum validates the trailing checksum and returns the data without it
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < ChecksumSize {
		return nil, false
	}

	dataLen := len(dataWithChecksum) - ChecksumSize
	data := dataWithChecksum[:dataLen]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[dataLen:])
	return data, ValidateChecksum(data, expected)
}
