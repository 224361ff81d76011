package cache

import "github.com/devrev/pairdb/windowstore/internal/model"

// RangeIterator walks a snapshot of the keys of one namespace. Entries are
// copied under the namespace lock, so a caller never sees a torn entry.
type RangeIterator struct {
	cache  *namedCache
	keys   [][]byte
	pos    int
	key    []byte
	entry  *model.CacheEntry
	closed bool
}

// Next advances to the next key that is still cached
func (it *RangeIterator) Next() bool {
	if it.closed || it.cache == nil {
		return false
	}
	it.cache.mu.Lock()
	defer it.cache.mu.Unlock()

	for it.pos < len(it.keys) {
		key := it.keys[it.pos]
		it.pos++
		if it.cache.closed {
			break
		}
		if found, ok := it.cache.peek(key); ok {
			entry := *found.entry
			it.key = key
			it.entry = &entry
			return true
		}
	}

	it.key, it.entry = nil, nil
	it.pos = len(it.keys)
	return false
}

// Key returns the cache key at the current position
func (it *RangeIterator) Key() []byte {
	return it.key
}

// Value returns a copy of the entry at the current position
func (it *RangeIterator) Value() *model.CacheEntry {
	return it.entry
}

// Err always returns nil; a range over the cache cannot fail
func (it *RangeIterator) Err() error {
	return nil
}

// Close releases the key snapshot
func (it *RangeIterator) Close() error {
	it.closed = true
	it.keys = nil
	it.key, it.entry = nil, nil
	return nil
}
