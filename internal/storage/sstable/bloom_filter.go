package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/bits-and-blooms/bitset"
)

const bloomHeaderSize = 16

// BloomFilter is a probabilistic data structure for set membership
type BloomFilter struct {
	bits      *bitset.BitSet
	size      uint64
	hashCount uint64
}

// NewBloomFilter creates a new bloom filter with expected elements and false positive rate
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	if expectedElements < 1 {
		expectedElements = 1
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size == 0 {
		size = 64
	}

	// k = (m/n) * ln(2)
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}

	return &BloomFilter{
		bits:      bitset.New(uint(size)),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key into the bloom filter
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.baseHashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		bf.bits.Set(uint((h1 + i*h2) % bf.size))
	}
}

// MayContain checks if a key might be in the set
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.baseHashes(key)
	for i := uint64(0); i < bf.hashCount; i++ {
		if !bf.bits.Test(uint((h1 + i*h2) % bf.size)) {
			return false
		}
	}
	return true
}

// baseHashes returns the two hashes combined by double hashing: h(i) = h1(x) + i*h2(x)
func (bf *BloomFilter) baseHashes(key []byte) (uint64, uint64) {
	h := fnv.New64()
	h.Write(key)
	hash1 := h.Sum64()

	h = fnv.New64a()
	h.Write(key)
	hash2 := h.Sum64() | 1

	return hash1, hash2
}

// MarshalBinary encodes the filter as [size][hash count][bitset]
func (bf *BloomFilter) MarshalBinary() ([]byte, error) {
	bits, err := bf.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bloom bits: %w", err)
	}

	buf := make([]byte, bloomHeaderSize, bloomHeaderSize+len(bits))
	binary.LittleEndian.PutUint64(buf, bf.size)
	binary.LittleEndian.PutUint64(buf[8:], bf.hashCount)
	return append(buf, bits...), nil
}

// UnmarshalBloomFilter decodes a filter produced by MarshalBinary
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < bloomHeaderSize {
		return nil, fmt.Errorf("bloom filter of %d bytes is truncated", len(data))
	}

	bf := &BloomFilter{
		bits:      &bitset.BitSet{},
		size:      binary.LittleEndian.Uint64(data),
		hashCount: binary.LittleEndian.Uint64(data[8:]),
	}
	if bf.size == 0 || bf.hashCount == 0 {
		return nil, fmt.Errorf("bloom filter header is invalid: size=%d hashes=%d", bf.size, bf.hashCount)
	}
	if err := bf.bits.UnmarshalBinary(data[bloomHeaderSize:]); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bloom bits: %w", err)
	}
	return bf, nil
}
