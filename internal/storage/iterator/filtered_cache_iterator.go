package iterator

import (
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/storage/keyschema"
)

// FilteredCacheIterator narrows a byte-range scan of a cache namespace to
// the entries whose binary key satisfies a membership condition. Keys stay
// in cache form; a key that does not decode ends the iteration with a
// decoding error.
type FilteredCacheIterator struct {
	wrapped   Iterator[[]byte, *model.CacheEntry]
	cacheFunc *keyschema.SegmentedCacheFunction
	hasNext   keyschema.HasNextCondition
	key       []byte
	value     *model.CacheEntry
	err       error
}

// NewFilteredCacheIterator creates a filtered view over a cache range iterator
func NewFilteredCacheIterator(
	wrapped Iterator[[]byte, *model.CacheEntry],
	cacheFunc *keyschema.SegmentedCacheFunction,
	hasNext keyschema.HasNextCondition,
) *FilteredCacheIterator {
	return &FilteredCacheIterator{
		wrapped:   wrapped,
		cacheFunc: cacheFunc,
		hasNext:   hasNext,
	}
}

func (it *FilteredCacheIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.wrapped.Next() {
		cacheKey := it.wrapped.Key()
		binaryKey, err := it.cacheFunc.Key(cacheKey)
		if err != nil {
			it.err = err
			return false
		}
		if it.hasNext(binaryKey) {
			it.key, it.value = cacheKey, it.wrapped.Value()
			return true
		}
	}
	it.err = it.wrapped.Err()
	return false
}

// Key returns the cache key of the current entry
func (it *FilteredCacheIterator) Key() []byte {
	return it.key
}

func (it *FilteredCacheIterator) Value() *model.CacheEntry {
	return it.value
}

func (it *FilteredCacheIterator) Err() error {
	return it.err
}

func (it *FilteredCacheIterator) Close() error {
	return it.wrapped.Close()
}
