package keyschema

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/devrev/pairdb/windowstore/internal/errors"
)

// SegmentIDBytes is the size of the segment id prefix of a cache key
const SegmentIDBytes = 8

// SegmentedCacheFunction maps binary store keys to cache keys prefixed with
// the big-endian segment id, so a namespace scan in the cache visits entries
// in the order the segmented store iterates them.
type SegmentedCacheFunction struct {
	keySchema       KeySchema
	segmentInterval int64
}

// NewSegmentedCacheFunction creates a cache function for the given segment interval
func NewSegmentedCacheFunction(keySchema KeySchema, segmentInterval int64) *SegmentedCacheFunction {
	return &SegmentedCacheFunction{
		keySchema:       keySchema,
		segmentInterval: segmentInterval,
	}
}

// SegmentInterval returns the configured segment interval
func (f *SegmentedCacheFunction) SegmentInterval() int64 {
	return f.segmentInterval
}

// SegmentID returns the segment a binary key belongs to
func (f *SegmentedCacheFunction) SegmentID(binaryKey []byte) int64 {
	return f.keySchema.SegmentTimestamp(binaryKey) / f.segmentInterval
}

// CacheKey prefixes the binary key with its segment id
func (f *SegmentedCacheFunction) CacheKey(binaryKey []byte) []byte {
	buf := make([]byte, SegmentIDBytes+len(binaryKey))
	binary.BigEndian.PutUint64(buf, uint64(f.SegmentID(binaryKey)))
	copy(buf[SegmentIDBytes:], binaryKey)
	return buf
}

// Key strips the segment prefix. It fails when the input is too short to
// carry a prefix and a window key suffix, or when the prefix does not match
// the segment of the embedded timestamp.
func (f *SegmentedCacheFunction) Key(cacheKey []byte) ([]byte, error) {
	if len(cacheKey) < SegmentIDBytes+SuffixSize+minKeyLength {
		return nil, errors.Decoding(
			fmt.Sprintf("cache key of %d bytes is shorter than segment prefix and window suffix", len(cacheKey)), nil).
			WithDetail("length", len(cacheKey))
	}
	binaryKey := make([]byte, len(cacheKey)-SegmentIDBytes)
	copy(binaryKey, cacheKey[SegmentIDBytes:])

	prefix := int64(binary.BigEndian.Uint64(cacheKey))
	if segmentID := f.SegmentID(binaryKey); prefix != segmentID {
		return nil, errors.Decoding(
			fmt.Sprintf("cache key segment prefix %d does not match segment %d", prefix, segmentID), nil).
			WithDetail("prefix", prefix).
			WithDetail("segment_id", segmentID)
	}
	return binaryKey, nil
}

// CompareSegmentedKeys orders a cache key against a binary store key by
// segment id first and binary key second
func (f *SegmentedCacheFunction) CompareSegmentedKeys(cacheKey, storeKey []byte) int {
	storeSegmentID := f.SegmentID(storeKey)
	cacheSegmentID := int64(binary.BigEndian.Uint64(cacheKey))
	switch {
	case cacheSegmentID < storeSegmentID:
		return -1
	case cacheSegmentID > storeSegmentID:
		return 1
	default:
		return bytes.Compare(cacheKey[SegmentIDBytes:], storeKey)
	}
}
