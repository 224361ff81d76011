package iterator

import (
	stderrors "errors"
	"testing"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/storage/keyschema"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const segmentInterval = 60000

var cacheFunc = keyschema.NewSegmentedCacheFunction(keyschema.WindowKeySchema{}, segmentInterval)

func binaryKey(t *testing.T, key string, ts int64) []byte {
	t.Helper()
	bk, err := keyschema.ToBinaryKey([]byte(key), ts, 0)
	require.NoError(t, err)
	return bk
}

type cached struct {
	key   string
	ts    int64
	value string
	del   bool
}

func cacheIterator(t *testing.T, entries ...cached) *SliceIterator[[]byte, *model.CacheEntry] {
	t.Helper()
	var items []model.KeyValue[[]byte, *model.CacheEntry]
	for _, e := range entries {
		var value []byte
		if !e.del {
			value = []byte(e.value)
		}
		items = append(items, model.Pair(
			cacheFunc.CacheKey(binaryKey(t, e.key, e.ts)),
			model.NewCacheEntry(value, model.RecordContext{}),
		))
	}
	return NewSliceIterator(items)
}

type stored struct {
	key   string
	ts    int64
	value string
}

func storeIterator(t *testing.T, entries ...stored) *SliceIterator[[]byte, []byte] {
	t.Helper()
	var items []model.KeyValue[[]byte, []byte]
	for _, e := range entries {
		items = append(items, model.Pair(binaryKey(t, e.key, e.ts), []byte(e.value)))
	}
	return NewSliceIterator(items)
}

type tsValue struct {
	TS    int64
	Value string
}

func drainTimestamps(t *testing.T, it Iterator[int64, []byte]) []tsValue {
	t.Helper()
	pairs, err := Collect(it)
	require.NoError(t, err)
	var out []tsValue
	for _, p := range pairs {
		out = append(out, tsValue{TS: p.Key, Value: string(p.Value)})
	}
	return out
}

func TestMergedIterator(t *testing.T) {
	tests := []struct {
		name  string
		cache []cached
		store []stored
		want  []tsValue
	}{
		{
			name:  "interleaved with cache winning ties",
			cache: []cached{{"a", 10, "c10", false}, {"a", 30, "c30", false}},
			store: []stored{{"a", 20, "s20"}, {"a", 30, "s30"}, {"a", 40, "s40"}},
			want:  []tsValue{{10, "c10"}, {20, "s20"}, {30, "c30"}, {40, "s40"}},
		},
		{
			name:  "only cache",
			cache: []cached{{"a", 1, "x", false}, {"a", 2, "y", false}},
			want:  []tsValue{{1, "x"}, {2, "y"}},
		},
		{
			name:  "only store",
			store: []stored{{"a", 1, "x"}, {"a", 2, "y"}},
			want:  []tsValue{{1, "x"}, {2, "y"}},
		},
		{
			name: "both empty",
		},
		{
			name:  "tombstone hides store entry",
			cache: []cached{{"a", 20, "", true}},
			store: []stored{{"a", 10, "s10"}, {"a", 20, "s20"}, {"a", 30, "s30"}},
			want:  []tsValue{{10, "s10"}, {30, "s30"}},
		},
		{
			name:  "tombstone without store entry",
			cache: []cached{{"a", 5, "", true}, {"a", 6, "c6", false}},
			store: []stored{{"a", 7, "s7"}},
			want:  []tsValue{{6, "c6"}, {7, "s7"}},
		},
		{
			name:  "ordering spans segments",
			cache: []cached{{"a", 2 * segmentInterval, "c", false}},
			store: []stored{{"a", 1, "s1"}, {"a", segmentInterval + 1, "s2"}, {"a", 3 * segmentInterval, "s3"}},
			want:  []tsValue{{1, "s1"}, {segmentInterval + 1, "s2"}, {2 * segmentInterval, "c"}, {3 * segmentInterval, "s3"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := NewMergedWindowStoreIterator(cacheIterator(t, tt.cache...), storeIterator(t, tt.store...), cacheFunc)
			if diff := cmp.Diff(tt.want, drainTimestamps(t, it)); diff != "" {
				t.Errorf("merged output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergedWindowedKeyIterator_OrdersBySegmentThenKey(t *testing.T) {
	// "b" in segment 0 sorts before "a" in segment 1
	cacheIt := cacheIterator(t, cached{"b", 1000, "b1000", false})
	storeIt := storeIterator(t, stored{"a", segmentInterval + 5, "a-late"}, stored{"c", segmentInterval + 5, "c-late"})

	it := NewMergedWindowedKeyIterator(cacheIt, storeIt, cacheFunc, 500)
	pairs, err := Collect[model.Windowed[[]byte], []byte](it)
	require.NoError(t, err)

	want := []model.KeyValue[model.Windowed[[]byte], []byte]{
		model.Pair(model.Windowed[[]byte]{Key: []byte("b"), Window: model.Window{Start: 1000, End: 1500}}, []byte("b1000")),
		model.Pair(model.Windowed[[]byte]{Key: []byte("a"), Window: model.TimeWindowForSize(segmentInterval+5, 500)}, []byte("a-late")),
		model.Pair(model.Windowed[[]byte]{Key: []byte("c"), Window: model.TimeWindowForSize(segmentInterval+5, 500)}, []byte("c-late")),
	}
	if diff := cmp.Diff(want, pairs); diff != "" {
		t.Errorf("merged output mismatch (-want +got):\n%s", diff)
	}
}

type trackingIterator[K any, V any] struct {
	Iterator[K, V]
	closed bool
	err    error
}

func (it *trackingIterator[K, V]) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.Iterator.Err()
}

func (it *trackingIterator[K, V]) Close() error {
	it.closed = true
	return it.Iterator.Close()
}

func TestMergedIterator_CloseCascades(t *testing.T) {
	cacheIt := &trackingIterator[[]byte, *model.CacheEntry]{Iterator: cacheIterator(t, cached{"a", 1, "x", false})}
	storeIt := &trackingIterator[[]byte, []byte]{Iterator: storeIterator(t, stored{"a", 2, "y"})}

	it := NewMergedWindowStoreIterator(cacheIt, storeIt, cacheFunc)
	require.True(t, it.Next())
	require.NoError(t, it.Close())

	assert.True(t, cacheIt.closed)
	assert.True(t, storeIt.closed)
	assert.False(t, it.Next())
	assert.NoError(t, it.Close())
}

func TestMergedIterator_PropagatesStoreError(t *testing.T) {
	failure := stderrors.New("segment read failed")
	storeIt := &trackingIterator[[]byte, []byte]{Iterator: Empty[[]byte, []byte](), err: failure}

	it := NewMergedWindowStoreIterator(cacheIterator(t, cached{"a", 1, "x", false}), storeIt, cacheFunc)
	defer it.Close()

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), failure)
}

func TestFilteredCacheIterator(t *testing.T) {
	raw := cacheIterator(t,
		cached{"a", 5, "early", false},
		cached{"a", 50, "inside", false},
		cached{"a\x00", 60, "other key", false},
		cached{"a", 200, "late", false},
	)
	condition := keyschema.WindowKeySchema{}.HasNextCondition([]byte("a"), []byte("a"), 10, 100)

	pairs, err := Collect[[]byte, *model.CacheEntry](NewFilteredCacheIterator(raw, cacheFunc, condition))
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, []byte("inside"), pairs[0].Value.Value)
	assert.Equal(t, cacheFunc.CacheKey(binaryKey(t, "a", 50)), pairs[0].Key)
}

func TestFilteredCacheIterator_RejectsForeignKeys(t *testing.T) {
	raw := NewSliceIterator([]model.KeyValue[[]byte, *model.CacheEntry]{
		model.Pair([]byte("short"), model.NewCacheEntry([]byte("x"), model.RecordContext{})),
	})
	all := func([]byte) bool { return true }

	it := NewFilteredCacheIterator(raw, cacheFunc, all)
	assert.False(t, it.Next())
	require.Error(t, it.Err())
	assert.True(t, errors.HasCode(it.Err(), errors.ErrCodeDecoding))
	assert.False(t, it.Next())
	assert.NoError(t, it.Close())
}

func TestPeeking(t *testing.T) {
	p := NewPeeking[string, int](NewSliceIterator([]model.KeyValue[string, int]{
		model.Pair("a", 1), model.Pair("b", 2),
	}))

	require.True(t, p.HasNext())
	require.True(t, p.HasNext())
	assert.Equal(t, "a", p.PeekKey())
	p.Advance()

	require.True(t, p.HasNext())
	assert.Equal(t, 2, p.PeekValue())
	p.Advance()

	assert.False(t, p.HasNext())
	assert.NoError(t, p.Err())
	assert.NoError(t, p.Close())
}

func TestSliceIterator(t *testing.T) {
	it := NewSliceIterator([]model.KeyValue[string, int]{model.Pair("a", 1)})
	require.True(t, it.Next())
	assert.Equal(t, "a", it.Key())
	assert.Equal(t, 1, it.Value())
	assert.False(t, it.Next())
	assert.False(t, it.Next())

	pairs, err := Collect[string, int](Empty[string, int]())
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestMap(t *testing.T) {
	inner := NewSliceIterator([]model.KeyValue[int, string]{model.Pair(1, "a"), model.Pair(2, "bad"), model.Pair(3, "c")})
	failure := stderrors.New("cannot convert")

	it := Map[int, string, int64, []byte](inner,
		func(k int) (int64, error) { return int64(k) * 10, nil },
		func(v string) ([]byte, error) {
			if v == "bad" {
				return nil, failure
			}
			return []byte(v), nil
		},
	)

	require.True(t, it.Next())
	assert.Equal(t, int64(10), it.Key())
	assert.Equal(t, []byte("a"), it.Value())

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), failure)
	assert.False(t, it.Next())
	assert.NoError(t, it.Close())
}
