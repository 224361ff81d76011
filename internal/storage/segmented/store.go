// Package segmented implements the durable window store beneath the cache.
//
// Binary window keys are grouped into segments of segmentInterval
// milliseconds. Each segment is an in-memory skiplist with a bloom filter;
// Flush persists every segment changed since the last flush as an sstable
// snapshot, and Open reloads the snapshots of a data directory.
package segmented

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/metrics"
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/windowstore/internal/storage/iterator"
	"github.com/devrev/pairdb/windowstore/internal/storage/keyschema"
	"github.com/devrev/pairdb/windowstore/internal/storage/memtable"
	"github.com/devrev/pairdb/windowstore/internal/storage/sstable"
	"go.uber.org/zap"
)

const segmentFilePattern = "segment-*.sst"

// Config holds segmented store configuration
type Config struct {
	Name            string
	DataDir         string // empty keeps the store in memory
	SegmentInterval int64
	Snapshot        *sstable.Config
}

// Store is a segmented window bytes store. Iterators returned by the fetch
// methods hold a snapshot of the matching entries and are not affected by
// later writes.
type Store struct {
	name            string
	dataDir         string
	segmentInterval int64
	snapshotCfg     *sstable.Config
	keySchema       keyschema.WindowKeySchema
	diskManager     *diskmanager.DiskManager
	logger          *zap.Logger
	metrics         *metrics.Metrics

	mu       sync.RWMutex
	segments map[int64]*segment
	live     *roaring64.Bitmap
	dirty    *roaring64.Bitmap
	open     bool
}

type segment struct {
	id        int64
	data      *memtable.SkipList
	bloom     *sstable.BloomFilter
	createdAt time.Time
}

// NewStore creates a closed store; Open must be called before use.
// diskManager may be nil.
func NewStore(cfg *Config, diskManager *diskmanager.DiskManager, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	if cfg.Name == "" {
		return nil, errors.InvalidArgument("store name is required", nil)
	}
	if cfg.SegmentInterval <= 0 {
		return nil, errors.InvalidArgument(fmt.Sprintf("segment interval must be positive, got %d", cfg.SegmentInterval), nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	snapshotCfg := cfg.Snapshot
	if snapshotCfg == nil {
		snapshotCfg = sstable.DefaultConfig()
	}

	return &Store{
		name:            cfg.Name,
		dataDir:         cfg.DataDir,
		segmentInterval: cfg.SegmentInterval,
		snapshotCfg:     snapshotCfg,
		diskManager:     diskManager,
		logger:          logger.With(zap.String("store", cfg.Name)),
		metrics:         m,
		segments:        make(map[int64]*segment),
		live:            roaring64.New(),
		dirty:           roaring64.New(),
	}, nil
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// SegmentInterval returns the time span covered by one segment
func (s *Store) SegmentInterval() int64 {
	return s.segmentInterval
}

// Open loads existing snapshots from the data directory
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	if s.dataDir != "" {
		if err := os.MkdirAll(s.dataDir, 0755); err != nil {
			return errors.StoreIO("failed to create store directory", err).WithDetail("data_dir", s.dataDir)
		}
		if err := s.loadSnapshots(); err != nil {
			return err
		}
	}

	s.open = true
	s.logger.Info("Opened segmented store",
		zap.String("data_dir", s.dataDir),
		zap.Uint64("segments", s.live.GetCardinality()))
	return nil
}

func (s *Store) loadSnapshots() error {
	paths, err := filepath.Glob(filepath.Join(s.dataDir, segmentFilePattern))
	if err != nil {
		return errors.StoreIO("failed to list segment snapshots", err)
	}

	for _, path := range paths {
		var id int64
		if _, err := fmt.Sscanf(filepath.Base(path), "segment-%d.sst", &id); err != nil {
			s.logger.Warn("Skipping unrecognised snapshot file", zap.String("path", path))
			continue
		}

		reader, err := sstable.OpenReader(path)
		if err != nil {
			return errors.CorruptedData(fmt.Sprintf("failed to open segment %d snapshot", id), err).
				WithDetail("path", path)
		}

		seg := s.newSegment(id)
		if bloom := reader.Bloom(); bloom != nil {
			seg.bloom = bloom
		}
		err = reader.Iterate(func(key, value []byte) error {
			seg.data.Insert(key, value)
			seg.bloom.Add(key)
			return nil
		})
		if err != nil {
			return errors.CorruptedData(fmt.Sprintf("failed to load segment %d snapshot", id), err).
				WithDetail("path", path)
		}

		s.segments[id] = seg
		s.live.Add(uint64(id))
		s.logger.Debug("Loaded segment snapshot", zap.Int64("segment_id", id), zap.Int("entries", reader.Len()))
	}
	return nil
}

func (s *Store) newSegment(id int64) *segment {
	return &segment{
		id:        id,
		data:      memtable.NewSkipList(),
		bloom:     sstable.NewBloomFilter(s.snapshotCfg.ExpectedElements, s.snapshotCfg.BloomFilterFP),
		createdAt: time.Now(),
	}
}

// Put writes value under (key, timestamp). A nil value deletes the entry.
func (s *Store) Put(key, value []byte, timestamp int64) error {
	if timestamp < 0 {
		return errors.InvalidArgument(fmt.Sprintf("timestamp must be non-negative, got %d", timestamp), nil)
	}
	binaryKey, err := keyschema.ToBinaryKey(key, timestamp, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return errors.StoreNotOpen(s.name)
	}

	id := timestamp / s.segmentInterval
	seg, ok := s.segments[id]
	if value == nil {
		if ok && seg.data.Delete(binaryKey) {
			s.dirty.Add(uint64(id))
		}
		return nil
	}

	if !ok {
		seg = s.newSegment(id)
		s.segments[id] = seg
		s.live.Add(uint64(id))
	}
	seg.data.Insert(binaryKey, append([]byte(nil), value...))
	seg.bloom.Add(binaryKey)
	s.dirty.Add(uint64(id))
	return nil
}

// Fetch returns the value stored under (key, timestamp)
func (s *Store) Fetch(key []byte, timestamp int64) ([]byte, bool, error) {
	if timestamp < 0 {
		return nil, false, nil
	}
	binaryKey, err := keyschema.ToBinaryKey(key, timestamp, 0)
	if err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, false, errors.StoreNotOpen(s.name)
	}

	seg, ok := s.segments[timestamp/s.segmentInterval]
	if !ok || !seg.bloom.MayContain(binaryKey) {
		return nil, false, nil
	}
	value, found := seg.data.Search(binaryKey)
	return value, found, nil
}

// FetchKey returns the entries of key with window start in [from, to], as
// binary keys in ascending timestamp order
func (s *Store) FetchKey(key []byte, from, to int64) (iterator.Iterator[[]byte, []byte], error) {
	if len(key) == 0 {
		return nil, errors.InvalidKey("serialized key cannot be empty")
	}
	return s.scan(
		s.keySchema.LowerRangeFixedSize(key, from),
		s.keySchema.UpperRangeFixedSize(key, to),
		s.keySchema.HasNextCondition(key, key, from, to),
		from, to,
	)
}

// FetchRange returns the entries with record key in [keyFrom, keyTo] and
// window start in [from, to], ordered by segment and then binary key
func (s *Store) FetchRange(keyFrom, keyTo []byte, from, to int64) (iterator.Iterator[[]byte, []byte], error) {
	if len(keyFrom) == 0 || len(keyTo) == 0 {
		return nil, errors.InvalidKey("serialized key cannot be empty")
	}
	return s.scan(
		s.keySchema.LowerRange(keyFrom, from),
		s.keySchema.UpperRange(keyTo, to),
		s.keySchema.HasNextCondition(keyFrom, keyTo, from, to),
		from, to,
	)
}

// All returns every entry of the store
func (s *Store) All() (iterator.Iterator[[]byte, []byte], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, errors.StoreNotOpen(s.name)
	}

	var items []model.KeyValue[[]byte, []byte]
	it := s.live.Iterator()
	for it.HasNext() {
		sl := s.segments[int64(it.Next())].data.Iterator()
		for sl.Next() {
			items = append(items, model.Pair(sl.Key(), sl.Value()))
		}
	}
	return iterator.NewSliceIterator(items), nil
}

func (s *Store) scan(lower, upper []byte, hasNext keyschema.HasNextCondition, from, to int64) (iterator.Iterator[[]byte, []byte], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, errors.StoreNotOpen(s.name)
	}
	if from > to || to < 0 {
		return iterator.Empty[[]byte, []byte](), nil
	}
	if from < 0 {
		from = 0
	}

	var items []model.KeyValue[[]byte, []byte]
	for _, id := range s.segmentIDs(from/s.segmentInterval, to/s.segmentInterval) {
		sl := s.segments[id].data.Seek(lower)
		for sl.Next() {
			if bytes.Compare(sl.Key(), upper) > 0 {
				break
			}
			if hasNext(sl.Key()) {
				items = append(items, model.Pair(sl.Key(), sl.Value()))
			}
		}
	}
	return iterator.NewSliceIterator(items), nil
}

// segmentIDs returns the live segment ids in [fromID, toID] in ascending
// order. Must be called with s.mu held.
func (s *Store) segmentIDs(fromID, toID int64) []int64 {
	var ids []int64
	it := s.live.Iterator()
	it.AdvanceIfNeeded(uint64(fromID))
	for it.HasNext() {
		id := int64(it.Next())
		if id > toID {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// Flush writes a snapshot of every segment changed since the last flush
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return errors.StoreNotOpen(s.name)
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.dataDir == "" {
		s.dirty.Clear()
		return nil
	}

	for _, raw := range s.dirty.ToArray() {
		id := int64(raw)
		start := time.Now()
		if err := s.writeSnapshot(id); err != nil {
			return err
		}
		s.dirty.Remove(raw)
		s.metrics.RecordSegmentSnapshot(int(s.live.GetCardinality()), time.Since(start).Seconds())
	}
	return nil
}

func (s *Store) writeSnapshot(id int64) error {
	path := s.segmentPath(id)
	seg, ok := s.segments[id]
	if !ok || seg.data.Len() == 0 {
		// Every entry was deleted
		for _, p := range []string{path, sstable.IndexPath(path), sstable.BloomPath(path)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return errors.StoreIO("failed to remove empty segment snapshot", err).WithDetail("path", p)
			}
		}
		delete(s.segments, id)
		s.live.Remove(uint64(id))
		return nil
	}

	if s.diskManager != nil {
		if err := s.diskManager.CheckBeforeWrite(uint64(seg.data.Bytes())); err != nil {
			return err
		}
	}

	cfg := *s.snapshotCfg
	if n := seg.data.Len(); n > cfg.ExpectedElements {
		cfg.ExpectedElements = n
	}
	writer := sstable.NewWriter(path, &cfg)
	it := seg.data.Iterator()
	for it.Next() {
		if err := writer.Write(it.Key(), it.Value()); err != nil {
			return errors.StoreIO(fmt.Sprintf("failed to write segment %d", id), err)
		}
	}
	if err := writer.Finalize(); err != nil {
		return errors.StoreIO(fmt.Sprintf("failed to publish segment %d", id), err).WithDetail("path", path)
	}

	s.logger.Debug("Wrote segment snapshot",
		zap.Int64("segment_id", id),
		zap.Int("entries", writer.Entries()),
		zap.Int64("size", writer.Size()))
	return nil
}

func (s *Store) segmentPath(id int64) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("segment-%d.sst", id))
}

// Segments describes the live segments in ascending id order
func (s *Store) Segments() []model.SegmentMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SegmentMetadata
	it := s.live.Iterator()
	for it.HasNext() {
		seg := s.segments[int64(it.Next())]
		meta := model.SegmentMetadata{
			SegmentID: seg.id,
			Entries:   seg.data.Len(),
			Size:      seg.data.Bytes(),
			CreatedAt: seg.createdAt,
		}
		sl := seg.data.Iterator()
		for sl.Next() {
			if meta.KeyRange.StartKey == nil {
				meta.KeyRange.StartKey = sl.Key()
			}
			meta.KeyRange.EndKey = sl.Key()
		}
		if s.dataDir != "" {
			meta.FilePath = s.segmentPath(seg.id)
			meta.IndexPath = sstable.IndexPath(meta.FilePath)
			meta.BloomPath = sstable.BloomPath(meta.FilePath)
		}
		result = append(result, meta)
	}
	return result
}

// Close flushes and closes the store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return errors.StoreNotOpen(s.name)
	}
	err := s.flushLocked()
	s.open = false
	s.segments = make(map[int64]*segment)
	s.live.Clear()
	s.dirty.Clear()

	s.logger.Info("Closed segmented store")
	return err
}
