package segmented

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/windowstore/internal/storage/iterator"
	"github.com/devrev/pairdb/windowstore/internal/storage/keyschema"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const interval = 1000

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := NewStore(&Config{Name: "counts", DataDir: dir, SegmentInterval: interval}, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Open())
	return s
}

type entry struct {
	Key   string
	TS    int64
	Value string
}

// drain returns a function accepting a fetch result directly
func drain(t *testing.T) func(iterator.Iterator[[]byte, []byte], error) []entry {
	return func(it iterator.Iterator[[]byte, []byte], err error) []entry {
		t.Helper()
		require.NoError(t, err)
		pairs, err := iterator.Collect(it)
		require.NoError(t, err)
		var out []entry
		for _, p := range pairs {
			out = append(out, entry{
				Key:   string(keyschema.KeyFromBinaryKey(p.Key)),
				TS:    keyschema.TimestampFromBinaryKey(p.Key),
				Value: string(p.Value),
			})
		}
		return out
	}
}

func TestStore_PutFetch(t *testing.T) {
	s := openStore(t, "")
	require.NoError(t, s.Put([]byte("a"), []byte("1"), 10))
	require.NoError(t, s.Put([]byte("a"), []byte("2"), 10))

	value, found, err := s.Fetch([]byte("a"), 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("2"), value)

	_, found, err = s.Fetch([]byte("a"), 11)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.Fetch([]byte("b"), 10)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PutCopiesValue(t *testing.T) {
	s := openStore(t, "")
	value := []byte("1")
	require.NoError(t, s.Put([]byte("a"), value, 10))
	value[0] = '9'

	got, _, err := s.Fetch([]byte("a"), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
}

func TestStore_FetchKeyAcrossSegments(t *testing.T) {
	s := openStore(t, "")
	for _, ts := range []int64{2500, 10, 1500, 999, 3000} {
		require.NoError(t, s.Put([]byte("a"), []byte(fmt.Sprint(ts)), ts))
	}
	require.NoError(t, s.Put([]byte("b"), []byte("other"), 1200))
	require.NoError(t, s.Put([]byte("a\x00"), []byte("longer"), 1200))

	got := drain(t)(s.FetchKey([]byte("a"), 10, 2500))
	want := []entry{{"a", 10, "10"}, {"a", 999, "999"}, {"a", 1500, "1500"}, {"a", 2500, "2500"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchKey mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, drain(t)(s.FetchKey([]byte("a"), 2600, 2900)))
	assert.Empty(t, drain(t)(s.FetchKey([]byte("a"), 100, 50)))
}

func TestStore_FetchRangeOrdersBySegmentThenKey(t *testing.T) {
	s := openStore(t, "")
	require.NoError(t, s.Put([]byte("c"), []byte("c1"), 100))
	require.NoError(t, s.Put([]byte("a"), []byte("a2"), 1100))
	require.NoError(t, s.Put([]byte("b"), []byte("b1"), 200))
	require.NoError(t, s.Put([]byte("d"), []byte("out of range"), 150))

	got := drain(t)(s.FetchRange([]byte("a"), []byte("c"), 0, 2000))
	want := []entry{{"b", 200, "b1"}, {"c", 100, "c1"}, {"a", 1100, "a2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchRange mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_DeleteWithNilValue(t *testing.T) {
	s := openStore(t, "")
	require.NoError(t, s.Put([]byte("a"), []byte("1"), 10))
	require.NoError(t, s.Put([]byte("a"), nil, 10))
	require.NoError(t, s.Put([]byte("missing"), nil, 10))

	_, found, err := s.Fetch([]byte("a"), 10)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	s := openStore(t, "")
	assert.True(t, errors.HasCode(s.Put(nil, []byte("1"), 10), errors.ErrCodeInvalidKey))
	assert.True(t, errors.HasCode(s.Put([]byte("a"), []byte("1"), -1), errors.ErrCodeInvalidArgument))

	_, err := s.FetchRange(nil, []byte("b"), 0, 10)
	assert.Error(t, err)
}

func TestStore_SnapshotsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.Put([]byte("a"), []byte("1"), 10))
	require.NoError(t, s.Put([]byte("b"), []byte("2"), 1500))
	require.NoError(t, s.Close())

	files, err := filepath.Glob(filepath.Join(dir, segmentFilePattern))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	reopened := openStore(t, dir)
	defer reopened.Close()

	got := drain(t)(reopened.All())
	want := []entry{{"a", 10, "1"}, {"b", 1500, "2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reloaded entries mismatch (-want +got):\n%s", diff)
	}

	value, found, err := reopened.Fetch([]byte("b"), 1500)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("2"), value)

	segments := reopened.Segments()
	require.Len(t, segments, 2)
	assert.Equal(t, int64(0), segments[0].SegmentID)
	assert.Equal(t, 1, segments[1].Entries)
	assert.FileExists(t, segments[1].IndexPath)
}

func TestStore_FlushRemovesEmptySegments(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.Put([]byte("a"), []byte("1"), 10))
	require.NoError(t, s.Flush())
	require.FileExists(t, filepath.Join(dir, "segment-0.sst"))

	require.NoError(t, s.Put([]byte("a"), nil, 10))
	require.NoError(t, s.Flush())
	_, err := os.Stat(filepath.Join(dir, "segment-0.sst"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, s.Segments())
}

func TestStore_FlushWithoutChangesWritesNothing(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.Put([]byte("a"), []byte("1"), 10))
	require.NoError(t, s.Flush())

	path := filepath.Join(dir, "segment-0.sst")
	require.NoError(t, os.Remove(path))
	require.NoError(t, s.Flush())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "clean segment should not be rewritten")
}

func TestStore_FlushRespectsDiskManager(t *testing.T) {
	dir := t.TempDir()
	cfg := diskmanager.DefaultConfig(dir)
	cfg.Stat = func(string) (uint64, uint64, error) { return 1000, 10, nil }
	dm, err := diskmanager.NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)

	s, err := NewStore(&Config{Name: "counts", DataDir: dir, SegmentInterval: interval}, dm, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Open())

	require.NoError(t, s.Put([]byte("a"), []byte("1"), 10))
	err = s.Flush()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeResourceExhausted))
}

func TestStore_NotOpen(t *testing.T) {
	s, err := NewStore(&Config{Name: "counts", SegmentInterval: interval}, nil, nil, nil)
	require.NoError(t, err)

	assert.True(t, errors.HasCode(s.Put([]byte("a"), []byte("1"), 1), errors.ErrCodeStoreNotOpen))
	_, _, err = s.Fetch([]byte("a"), 1)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreNotOpen))

	require.NoError(t, s.Open())
	require.NoError(t, s.Close())
	assert.True(t, errors.HasCode(s.Close(), errors.ErrCodeStoreNotOpen))
	assert.True(t, errors.HasCode(s.Flush(), errors.ErrCodeStoreNotOpen))
}

func TestNewStore_ValidatesConfig(t *testing.T) {
	_, err := NewStore(&Config{SegmentInterval: interval}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewStore(&Config{Name: "x"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestStore_CorruptSnapshotFailsOpen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.Put([]byte("a"), []byte("1"), 10))
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment-0.sst.idx"), []byte{1, 2, 3}, 0644))

	reopened, err := NewStore(&Config{Name: "counts", DataDir: dir, SegmentInterval: interval}, nil, nil, nil)
	require.NoError(t, err)
	err = reopened.Open()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCorruptedData))
}
