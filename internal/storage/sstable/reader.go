package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/util"
)

// Reader reads a segment snapshot held fully in memory
type Reader struct {
	data  []byte
	index []IndexEntry
	bloom *BloomFilter
}

// OpenReader loads the data, index and bloom files of a snapshot
func OpenReader(filePath string) (*Reader, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	indexData, err := os.ReadFile(IndexPath(filePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	reader := &Reader{data: data}
	if err := reader.loadIndex(indexData); err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	// The bloom filter is an optimisation, a missing one is tolerated
	if bloomData, err := os.ReadFile(BloomPath(filePath)); err == nil {
		if bf, err := UnmarshalBloomFilter(bloomData); err == nil {
			reader.bloom = bf
		}
	}

	return reader, nil
}

// loadIndex decodes the index and checks it against the data file size
func (r *Reader) loadIndex(buf []byte) error {
	if len(buf) < 8 {
		return errors.CorruptedData("index file is truncated", nil)
	}
	trailer := buf[len(buf)-8:]
	if dataSize := int64(binary.LittleEndian.Uint64(trailer)); dataSize != int64(len(r.data)) {
		return errors.CorruptedData(
			fmt.Sprintf("index describes %d data bytes but data file has %d", dataSize, len(r.data)), nil)
	}

	buf = buf[:len(buf)-8]
	for len(buf) > 0 {
		if len(buf) < 4 {
			return errors.CorruptedData("index entry is truncated", nil)
		}
		keyLen := int(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
		if len(buf) < keyLen+16 {
			return errors.CorruptedData("index entry is truncated", nil)
		}

		entry := IndexEntry{
			Key:      append([]byte(nil), buf[:keyLen]...),
			Offset:   int64(binary.LittleEndian.Uint64(buf[keyLen:])),
			Size:     int32(binary.LittleEndian.Uint32(buf[keyLen+8:])),
			Checksum: binary.LittleEndian.Uint32(buf[keyLen+12:]),
		}
		if entry.Offset < 0 || entry.Offset+int64(entry.Size) > int64(len(r.data)) {
			return errors.CorruptedData(fmt.Sprintf("index entry at offset %d exceeds data file", entry.Offset), nil)
		}
		r.index = append(r.index, entry)
		buf = buf[keyLen+16:]
	}

	return nil
}

// Len returns the number of entries in the snapshot
func (r *Reader) Len() int {
	return len(r.index)
}

// Bloom returns the snapshot's bloom filter, or nil when it was not loaded
func (r *Reader) Bloom() *BloomFilter {
	return r.bloom
}

// Get retrieves a value by key with checksum validation
func (r *Reader) Get(key []byte) ([]byte, bool, error) {
	if r.bloom != nil && !r.bloom.MayContain(key) {
		return nil, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) >= 0
	})
	if i == len(r.index) || !bytes.Equal(r.index[i].Key, key) {
		return nil, false, nil
	}

	_, value, err := r.readEntry(r.index[i])
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Iterate calls fn for every entry in key order
func (r *Reader) Iterate(fn func(key, value []byte) error) error {
	for _, entry := range r.index {
		key, value, err := r.readEntry(entry)
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) readEntry(entry IndexEntry) ([]byte, []byte, error) {
	block := r.data[entry.Offset : entry.Offset+int64(entry.Size)]
	if len(block) < entryHeaderSize {
		return nil, nil, errors.CorruptedData("data entry is truncated", nil)
	}

	keyLen := int(binary.LittleEndian.Uint32(block[0:]))
	valueLen := int(binary.LittleEndian.Uint32(block[4:]))
	checksum := binary.LittleEndian.Uint32(block[8:])
	if entryHeaderSize+keyLen+valueLen != len(block) {
		return nil, nil, errors.CorruptedData("data entry length does not match index", nil)
	}

	key := block[entryHeaderSize : entryHeaderSize+keyLen]
	value := block[entryHeaderSize+keyLen:]
	if actual := util.ComputeChecksumParts(key, value); actual != checksum || checksum != entry.Checksum {
		return nil, nil, errors.ChecksumFailed(entry.Checksum, actual)
	}

	return append([]byte(nil), key...), append([]byte(nil), value...), nil
}
