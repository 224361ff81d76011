package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/devrev/pairdb/windowstore/internal/util"
	"github.com/natefinch/atomic"
)

// entryHeaderSize covers key length, value length and checksum
const entryHeaderSize = 12

// IndexEntry represents an entry in the segment index
type IndexEntry struct {
	Key      []byte
	Offset   int64
	Size     int32
	Checksum uint32 // CRC32 of key and value
}

// Config holds snapshot configuration
type Config struct {
	BloomFilterFP    float64
	ExpectedElements int
}

// DefaultConfig returns the default snapshot configuration
func DefaultConfig() *Config {
	return &Config{
		BloomFilterFP:    0.01,
		ExpectedElements: 10000,
	}
}

// Writer buffers a segment snapshot and publishes its files atomically
type Writer struct {
	filePath    string
	data        bytes.Buffer
	index       []IndexEntry
	bloomFilter *BloomFilter
	lastKey     []byte
}

// NewWriter creates a writer for the snapshot rooted at filePath. The data,
// index and bloom files are filePath, filePath.idx and filePath.bloom.
func NewWriter(filePath string, cfg *Config) *Writer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Writer{
		filePath:    filePath,
		bloomFilter: NewBloomFilter(cfg.ExpectedElements, cfg.BloomFilterFP),
	}
}

// IndexPath returns the index file of a snapshot
func IndexPath(filePath string) string { return filePath + ".idx" }

// BloomPath returns the bloom file of a snapshot
func BloomPath(filePath string) string { return filePath + ".bloom" }

// Write appends an entry. Keys must arrive in strictly ascending order.
func (w *Writer) Write(key, value []byte) error {
	if w.lastKey != nil && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("keys must be written in ascending order: %x after %x", key, w.lastKey)
	}

	offset := int64(w.data.Len())
	checksum := util.ComputeChecksumParts(key, value)

	var header [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(len(key)))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(value)))
	binary.LittleEndian.PutUint32(header[8:], checksum)
	w.data.Write(header[:])
	w.data.Write(key)
	w.data.Write(value)

	w.index = append(w.index, IndexEntry{
		Key:      key,
		Offset:   offset,
		Size:     int32(entryHeaderSize + len(key) + len(value)),
		Checksum: checksum,
	})
	w.bloomFilter.Add(key)
	w.lastKey = key

	return nil
}

// Entries returns the number of entries written
func (w *Writer) Entries() int {
	return len(w.index)
}

// Size returns the current size of the data file
func (w *Writer) Size() int64 {
	return int64(w.data.Len())
}

// Finalize publishes the data, index and bloom files. Each file is replaced
// atomically; the index is written last so a torn snapshot is detected on
// load by a size mismatch.
func (w *Writer) Finalize() error {
	bloom, err := w.bloomFilter.MarshalBinary()
	if err != nil {
		return err
	}

	if err := atomic.WriteFile(w.filePath, bytes.NewReader(w.data.Bytes())); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}
	if err := atomic.WriteFile(BloomPath(w.filePath), bytes.NewReader(bloom)); err != nil {
		return fmt.Errorf("failed to write bloom file: %w", err)
	}
	if err := atomic.WriteFile(IndexPath(w.filePath), bytes.NewReader(w.encodeIndex())); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	return nil
}

// encodeIndex serialises the index entries followed by the data file size
func (w *Writer) encodeIndex() []byte {
	var buf bytes.Buffer
	var scratch [8]byte
	for _, entry := range w.index {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(entry.Key)))
		buf.Write(scratch[:4])
		buf.Write(entry.Key)
		binary.LittleEndian.PutUint64(scratch[:], uint64(entry.Offset))
		buf.Write(scratch[:])
		binary.LittleEndian.PutUint32(scratch[:4], uint32(entry.Size))
		buf.Write(scratch[:4])
		binary.LittleEndian.PutUint32(scratch[:4], entry.Checksum)
		buf.Write(scratch[:4])
	}
	// trailer: total data size
	binary.LittleEndian.PutUint64(scratch[:], uint64(w.data.Len()))
	buf.Write(scratch[:])
	return buf.Bytes()
}
