package iterator

import (
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/storage/keyschema"
	"go.uber.org/multierr"
)

// MergedIterator combines a filtered cache scan with a scan of the
// underlying store into one ascending sequence. Both inputs must be sorted
// by segment and then binary key. On equal keys the cache entry wins and
// both inputs advance. Deleted cache entries hide the matching store entry.
// Keys are projected with decode.
type MergedIterator[K any] struct {
	cache     *Peeking[[]byte, *model.CacheEntry]
	store     *Peeking[[]byte, []byte]
	cacheFunc *keyschema.SegmentedCacheFunction
	decode    func(binaryKey []byte) K

	key    K
	value  []byte
	err    error
	closed bool
}

// NewMergedIterator merges a cache iterator yielding cache keys with a store
// iterator yielding binary keys
func NewMergedIterator[K any](
	cacheIt Iterator[[]byte, *model.CacheEntry],
	storeIt Iterator[[]byte, []byte],
	cacheFunc *keyschema.SegmentedCacheFunction,
	decode func(binaryKey []byte) K,
) *MergedIterator[K] {
	return &MergedIterator[K]{
		cache:     NewPeeking(cacheIt),
		store:     NewPeeking(storeIt),
		cacheFunc: cacheFunc,
		decode:    decode,
	}
}

// NewMergedWindowStoreIterator merges a single-key fetch into a sequence of
// window start timestamps
func NewMergedWindowStoreIterator(
	cacheIt Iterator[[]byte, *model.CacheEntry],
	storeIt Iterator[[]byte, []byte],
	cacheFunc *keyschema.SegmentedCacheFunction,
) *MergedIterator[int64] {
	return NewMergedIterator(cacheIt, storeIt, cacheFunc, keyschema.TimestampFromBinaryKey)
}

// NewMergedWindowedKeyIterator merges a key-range fetch into a sequence of
// windowed keys
func NewMergedWindowedKeyIterator(
	cacheIt Iterator[[]byte, *model.CacheEntry],
	storeIt Iterator[[]byte, []byte],
	cacheFunc *keyschema.SegmentedCacheFunction,
	windowSize int64,
) *MergedIterator[model.Windowed[[]byte]] {
	return NewMergedIterator(cacheIt, storeIt, cacheFunc, func(binaryKey []byte) model.Windowed[[]byte] {
		return keyschema.WindowedKeyFromBinaryKey(binaryKey, windowSize)
	})
}

func (it *MergedIterator[K]) Next() bool {
	for !it.closed && it.err == nil {
		cacheHas := it.cache.HasNext()
		if err := it.cache.Err(); err != nil {
			it.err = err
			return false
		}
		storeHas := it.store.HasNext()
		if err := it.store.Err(); err != nil {
			it.err = err
			return false
		}

		switch {
		case !cacheHas && !storeHas:
			return false
		case !cacheHas:
			return it.emitStore()
		}

		cmp := -1
		if storeHas {
			cmp = it.cacheFunc.CompareSegmentedKeys(it.cache.PeekKey(), it.store.PeekKey())
		}

		switch {
		case cmp > 0:
			return it.emitStore()
		case cmp == 0:
			// The store entry is shadowed by the fresher cache entry
			it.store.Advance()
		}

		if it.emitCache() {
			return true
		}
	}
	return false
}

func (it *MergedIterator[K]) emitStore() bool {
	it.key = it.decode(it.store.PeekKey())
	it.value = it.store.PeekValue()
	it.store.Advance()
	return true
}

// emitCache consumes the peeked cache entry and reports whether it
// produced an element
func (it *MergedIterator[K]) emitCache() bool {
	cacheKey, entry := it.cache.PeekKey(), it.cache.PeekValue()
	it.cache.Advance()
	if entry.IsTombstone() {
		return false
	}

	binaryKey, err := it.cacheFunc.Key(cacheKey)
	if err != nil {
		it.err = err
		return false
	}
	it.key = it.decode(binaryKey)
	it.value = entry.Value
	return true
}

func (it *MergedIterator[K]) Key() K {
	return it.key
}

func (it *MergedIterator[K]) Value() []byte {
	return it.value
}

func (it *MergedIterator[K]) Err() error {
	return it.err
}

// Close closes both inputs
func (it *MergedIterator[K]) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return multierr.Append(it.cache.Close(), it.store.Close())
}
