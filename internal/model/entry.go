package model

import "fmt"

// RecordContext carries the provenance of the record currently being processed
type RecordContext struct {
	Offset    int64
	Timestamp int64
	Partition int32
	Topic     string
}

// String renders the context for logging
func (rc RecordContext) String() string {
	return fmt.Sprintf("%s-%d@%d(ts=%d)", rc.Topic, rc.Partition, rc.Offset, rc.Timestamp)
}

// CacheEntry represents a cached value with the provenance of the write that produced it
type CacheEntry struct {
	Value   []byte // nil marks a deleted window
	Dirty   bool
	Context RecordContext
}

// NewCacheEntry creates a dirty cache entry stamped with the given record context
func NewCacheEntry(value []byte, rc RecordContext) *CacheEntry {
	return &CacheEntry{
		Value:   value,
		Dirty:   true,
		Context: rc,
	}
}

// IsTombstone reports whether the entry records a delete
func (e *CacheEntry) IsTombstone() bool {
	return e.Value == nil
}

// Size estimates the memory held by the entry under the given key
func (e *CacheEntry) Size(key []byte) int64 {
	return int64(len(key) + len(e.Value) + 64) // Approximate
}

// KeyValue is a single element produced by a store iterator
type KeyValue[K any, V any] struct {
	Key   K
	Value V
}

// Pair creates a KeyValue
func Pair[K any, V any](key K, value V) KeyValue[K, V] {
	return KeyValue[K, V]{Key: key, Value: value}
}
