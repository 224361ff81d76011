// Package keyschema defines the binary layout of window store keys.
//
// A binary window key is the record key bytes followed by the big-endian
// window start timestamp and a big-endian sequence number:
//
//	[key bytes][timestamp (8 bytes)][seqnum (4 bytes)]
//
// For non-negative timestamps the byte-lexicographic order of binary keys
// sharing a record key equals (timestamp, seqnum) order.
package keyschema

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/model"
)

const (
	TimestampSize = 8
	SeqnumSize    = 4
	SuffixSize    = TimestampSize + SeqnumSize

	// keys are assumed to be at least one byte long
	minKeyLength = 1
)

var minSuffix = make([]byte, SuffixSize)

// HasNextCondition reports whether a raw binary key belongs to a query
type HasNextCondition func(binaryKey []byte) bool

// KeySchema computes binary keys and range bounds for a segmented store
type KeySchema interface {
	UpperRange(key []byte, to int64) []byte
	LowerRange(key []byte, from int64) []byte
	UpperRangeFixedSize(key []byte, to int64) []byte
	LowerRangeFixedSize(key []byte, from int64) []byte
	SegmentTimestamp(binaryKey []byte) int64
	HasNextCondition(keyFrom, keyTo []byte, from, to int64) HasNextCondition
}

// WindowKeySchema is the KeySchema of window stores
type WindowKeySchema struct{}

var _ KeySchema = WindowKeySchema{}

// ToBinaryKey encodes a window key, rejecting empty record keys
func ToBinaryKey(key []byte, timestamp int64, seqnum int32) ([]byte, error) {
	if len(key) < minKeyLength {
		return nil, errors.InvalidKey("serialized key cannot be empty")
	}
	return toBinaryKey(key, timestamp, seqnum), nil
}

func toBinaryKey(key []byte, timestamp int64, seqnum int32) []byte {
	buf := make([]byte, len(key)+SuffixSize)
	copy(buf, key)
	putSuffix(buf[len(key):], timestamp, seqnum)
	return buf
}

func putSuffix(dst []byte, timestamp int64, seqnum int32) {
	binary.BigEndian.PutUint64(dst, uint64(timestamp))
	binary.BigEndian.PutUint32(dst[TimestampSize:], uint32(seqnum))
}

// KeyFromBinaryKey returns a copy of the record key bytes
func KeyFromBinaryKey(binaryKey []byte) []byte {
	key := make([]byte, len(binaryKey)-SuffixSize)
	copy(key, binaryKey)
	return key
}

// TimestampFromBinaryKey decodes the window start timestamp
func TimestampFromBinaryKey(binaryKey []byte) int64 {
	return int64(binary.BigEndian.Uint64(binaryKey[len(binaryKey)-SuffixSize:]))
}

// SeqnumFromBinaryKey decodes the sequence number
func SeqnumFromBinaryKey(binaryKey []byte) int32 {
	return int32(binary.BigEndian.Uint32(binaryKey[len(binaryKey)-SeqnumSize:]))
}

// WindowedKeyFromBinaryKey decodes the record key and its window
func WindowedKeyFromBinaryKey(binaryKey []byte, windowSize int64) model.Windowed[[]byte] {
	return model.Windowed[[]byte]{
		Key:    KeyFromBinaryKey(binaryKey),
		Window: model.TimeWindowForSize(TimestampFromBinaryKey(binaryKey), windowSize),
	}
}

// UpperRange returns a bound at or above every binary key whose record key
// is at most key and whose timestamp is at most to
func (WindowKeySchema) UpperRange(key []byte, to int64) []byte {
	maxSuffix := make([]byte, SuffixSize)
	putSuffix(maxSuffix, to, math.MaxInt32)
	return upperRange(key, maxSuffix)
}

// LowerRange returns a bound at or below every binary key whose record key
// is at least key. The timestamp is not part of the bound since a longer
// record key with trailing zero bytes can sort before key ++ suffix(from).
func (WindowKeySchema) LowerRange(key []byte, from int64) []byte {
	return lowerRange(key, minSuffix)
}

func (WindowKeySchema) UpperRangeFixedSize(key []byte, to int64) []byte {
	return toBinaryKey(key, to, math.MaxInt32)
}

func (WindowKeySchema) LowerRangeFixedSize(key []byte, from int64) []byte {
	if from < 0 {
		from = 0
	}
	return toBinaryKey(key, from, 0)
}

func (WindowKeySchema) SegmentTimestamp(binaryKey []byte) int64 {
	return TimestampFromBinaryKey(binaryKey)
}

// HasNextCondition builds the exact membership test for the query
// [keyFrom, keyTo] x [from, to], both ends inclusive.
func (WindowKeySchema) HasNextCondition(keyFrom, keyTo []byte, from, to int64) HasNextCondition {
	return func(binaryKey []byte) bool {
		if len(binaryKey) < SuffixSize+minKeyLength {
			return false
		}
		keyBytes := binaryKey[:len(binaryKey)-SuffixSize]
		timestamp := TimestampFromBinaryKey(binaryKey)
		return bytes.Compare(keyBytes, keyFrom) >= 0 &&
			bytes.Compare(keyBytes, keyTo) <= 0 &&
			timestamp >= from &&
			timestamp <= to
	}
}

// upperRange picks the largest of key ++ maxSuffix and p ++ maxSuffix over the
// proper prefixes p of key. A record key sorting below key either differs at
// some byte, and then sorts below key ++ maxSuffix, or is such a prefix.
func upperRange(key []byte, maxSuffix []byte) []byte {
	rangeEnd := concat(key, maxSuffix)
	for i := minKeyLength; i < len(key); i++ {
		if candidate := concat(key[:i], maxSuffix); bytes.Compare(candidate, rangeEnd) > 0 {
			rangeEnd = candidate
		}
	}
	return rangeEnd
}

func lowerRange(key []byte, minSuffix []byte) []byte {
	return concat(key, minSuffix)
}

func concat(a, b []byte) []byte {
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	return append(buf, b...)
}
