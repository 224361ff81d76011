package memtable_test

import (
	"fmt"
	"testing"

	"github.com/devrev/pairdb/windowstore/internal/storage/memtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipList_Insert(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		verify func(*testing.T, *memtable.SkipList)
	}{
		{
			name:  "insert single element",
			key:   "key1",
			value: "value1",
			verify: func(t *testing.T, sl *memtable.SkipList) {
				val, found := sl.Search([]byte("key1"))
				assert.True(t, found)
				assert.Equal(t, []byte("value1"), val)
			},
		},
		{
			name:  "insert multiple elements",
			key:   "key2",
			value: "value2",
			verify: func(t *testing.T, sl *memtable.SkipList) {
				sl.Insert([]byte("key3"), []byte("value3"))
				sl.Insert([]byte("key1"), []byte("value1"))

				assert.Equal(t, 3, sl.Len())
				val, found := sl.Search([]byte("key1"))
				assert.True(t, found)
				assert.Equal(t, []byte("value1"), val)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl := memtable.NewSkipList()
			sl.Insert([]byte(tt.key), []byte(tt.value))
			tt.verify(t, sl)
		})
	}
}

func TestSkipList_Update(t *testing.T) {
	sl := memtable.NewSkipList()

	sl.Insert([]byte("key1"), []byte("value1"))
	val, found := sl.Search([]byte("key1"))
	require.True(t, found)
	assert.Equal(t, []byte("value1"), val)

	sl.Insert([]byte("key1"), []byte("value22"))
	val, found = sl.Search([]byte("key1"))
	require.True(t, found)
	assert.Equal(t, []byte("value22"), val)

	// Size should remain 1
	assert.Equal(t, 1, sl.Len())
	assert.Equal(t, int64(len("key1")+len("value22")), sl.Bytes())
}

func TestSkipList_Delete(t *testing.T) {
	sl := memtable.NewSkipList()
	sl.Insert([]byte("key1"), []byte("value1"))
	sl.Insert([]byte("key2"), []byte("value2"))
	sl.Insert([]byte("key3"), []byte("value3"))

	tests := []struct {
		name    string
		key     string
		wantOk  bool
		wantLen int
	}{
		{"delete existing key", "key2", true, 2},
		{"delete non-existing key", "key4", false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok := sl.Delete([]byte(tt.key))
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.wantLen, sl.Len())

			if ok {
				_, found := sl.Search([]byte(tt.key))
				assert.False(t, found)
			}
		})
	}
}

func TestSkipList_IteratorIsSorted(t *testing.T) {
	sl := memtable.NewSkipList()
	sl.Insert([]byte("cherry"), []byte("fruit3"))
	sl.Insert([]byte("apple"), []byte("fruit1"))
	sl.Insert([]byte{0x00}, []byte("zero"))
	sl.Insert([]byte("banana"), []byte("fruit2"))

	iter := sl.Iterator()
	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}

	assert.Equal(t, []string{"\x00", "apple", "banana", "cherry"}, keys)
}

func TestSkipList_Seek(t *testing.T) {
	sl := memtable.NewSkipList()
	for i := 0; i < 10; i++ {
		sl.Insert([]byte(fmt.Sprintf("key%02d", i*2)), []byte("v"))
	}

	tests := []struct {
		name  string
		start string
		first string
	}{
		{"exact match", "key04", "key04"},
		{"between keys", "key05", "key06"},
		{"before first", "a", "key00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iter := sl.Seek([]byte(tt.start))
			require.True(t, iter.Next())
			assert.Equal(t, tt.first, string(iter.Key()))
		})
	}

	t.Run("past last", func(t *testing.T) {
		iter := sl.Seek([]byte("zzz"))
		assert.False(t, iter.Next())
	})
}

func TestSkipList_Empty(t *testing.T) {
	sl := memtable.NewSkipList()

	_, found := sl.Search([]byte("key1"))
	assert.False(t, found)

	assert.False(t, sl.Delete([]byte("key1")))
	assert.False(t, sl.Iterator().Next())
	assert.Equal(t, 0, sl.Len())
}

func BenchmarkSkipList_Insert(b *testing.B) {
	sl := memtable.NewSkipList()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Insert([]byte(fmt.Sprintf("key%d", i)), []byte("value"))
	}
}

func BenchmarkSkipList_Search(b *testing.B) {
	sl := memtable.NewSkipList()
	for i := 0; i < 10000; i++ {
		sl.Insert([]byte(fmt.Sprintf("key%d", i)), []byte("value"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Search([]byte(fmt.Sprintf("key%d", i%10000)))
	}
}
