package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/metrics"
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/processor"
	"github.com/devrev/pairdb/windowstore/internal/serde"
	"github.com/devrev/pairdb/windowstore/internal/storage/cache"
	"github.com/devrev/pairdb/windowstore/internal/storage/iterator"
	"github.com/devrev/pairdb/windowstore/internal/storage/keyschema"
	"github.com/devrev/pairdb/windowstore/internal/validation"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WindowBytesStore is the durable store beneath the cache. Iterators yield
// binary window keys ordered by segment and then key.
type WindowBytesStore interface {
	Name() string
	Open() error
	Put(key, value []byte, timestamp int64) error
	Fetch(key []byte, timestamp int64) ([]byte, bool, error)
	FetchKey(key []byte, from, to int64) (iterator.Iterator[[]byte, []byte], error)
	FetchRange(keyFrom, keyTo []byte, from, to int64) (iterator.Iterator[[]byte, []byte], error)
	Flush() error
	Close() error
}

// CacheFlushListener is notified of every window change written to the
// durable store. A nil value is absent: newValue is nil for a delete and
// oldValue is nil when nothing was stored before.
type CacheFlushListener[K any, V any] interface {
	Apply(key model.Windowed[K], newValue, oldValue *V) error
}

// CacheFlushListenerFunc adapts a function to CacheFlushListener
type CacheFlushListenerFunc[K any, V any] func(key model.Windowed[K], newValue, oldValue *V) error

func (f CacheFlushListenerFunc[K, V]) Apply(key model.Windowed[K], newValue, oldValue *V) error {
	return f(key, newValue, oldValue)
}

// WindowStoreConfig holds caching window store configuration
type WindowStoreConfig struct {
	WindowSize int64
	// SegmentInterval must match the segment interval of the underlying
	// store. Zero takes it from stores that report one.
	SegmentInterval int64
}

type segmentedStore interface {
	SegmentInterval() int64
}

type storeState int

const (
	stateUninitialized storeState = iota
	stateOpen
	stateClosed
)

// CachingWindowStore is a write-back cache in front of a WindowBytesStore.
// Writes go to a namespace of the task's shared cache and reach the durable
// store when the namespace is flushed or its entries are evicted. Reads
// merge both, with cached entries taking precedence.
//
// Put, Delete, Flush and Close are serialized. Fetch holds the same lock
// while opening its iterators; the iterators themselves are consumed
// without it and may or may not see later writes.
type CachingWindowStore[K any, V any] struct {
	underlying WindowBytesStore
	keySerde   serde.Serde[K]
	valueSerde serde.Serde[V]
	windowSize int64
	keySchema  keyschema.WindowKeySchema
	cacheFunc  *keyschema.SegmentedCacheFunction
	validator  *validation.Validator
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	state     storeState
	context   *processor.Context
	cache     *cache.ThreadCache
	namespace string
	listener  CacheFlushListener[K, V]
}

// NewCachingWindowStore wraps underlying
func NewCachingWindowStore[K any, V any](
	underlying WindowBytesStore,
	keySerde serde.Serde[K],
	valueSerde serde.Serde[V],
	cfg *WindowStoreConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*CachingWindowStore[K, V], error) {
	if cfg.WindowSize <= 0 {
		return nil, errors.InvalidArgument(fmt.Sprintf("window size must be positive, got %d", cfg.WindowSize), nil)
	}
	segmentInterval := cfg.SegmentInterval
	if segmented, ok := underlying.(segmentedStore); ok && segmentInterval == 0 {
		segmentInterval = segmented.SegmentInterval()
	}
	if segmentInterval <= 0 {
		return nil, errors.InvalidArgument(fmt.Sprintf("segment interval must be positive, got %d", segmentInterval), nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CachingWindowStore[K, V]{
		underlying: underlying,
		keySerde:   keySerde,
		valueSerde: valueSerde,
		windowSize: cfg.WindowSize,
		cacheFunc:  keyschema.NewSegmentedCacheFunction(keyschema.WindowKeySchema{}, segmentInterval),
		validator:  validation.NewValidator(),
		logger:     logger.With(zap.String("store", underlying.Name())),
		metrics:    m,
	}, nil
}

// Name returns the name of the underlying store
func (s *CachingWindowStore[K, V]) Name() string {
	return s.underlying.Name()
}

// Namespace returns the cache namespace, empty before Init
func (s *CachingWindowStore[K, V]) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

// Init opens the underlying store and registers the store's namespace in
// the task cache
func (s *CachingWindowStore[K, V]) Init(ctx *processor.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateOpen:
		return errors.InvalidArgument("store "+s.Name()+" is already initialized", nil)
	case stateClosed:
		return errors.StoreNotOpen(s.Name())
	}
	if ctx.Cache() == nil {
		return errors.InvalidArgument("processor context has no cache", nil)
	}

	if err := s.underlying.Open(); err != nil {
		return err
	}

	s.context = ctx
	s.cache = ctx.Cache()
	s.namespace = ctx.TaskID() + "-" + s.underlying.Name()
	s.cache.AddDirtyEntryFlushListener(s.namespace, s.flushEntries)
	s.state = stateOpen

	s.logger.Info("Initialized caching window store",
		zap.String("namespace", s.namespace),
		zap.Int64("window_size", s.windowSize),
		zap.Int64("segment_interval", s.cacheFunc.SegmentInterval()))
	return nil
}

// SetFlushListener registers the listener notified on flush; nil removes it
func (s *CachingWindowStore[K, V]) SetFlushListener(listener CacheFlushListener[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// Put caches value for key in the window starting at timestamp. A later
// put for the same key and window replaces it.
func (s *CachingWindowStore[K, V]) Put(key K, value V, timestamp int64) error {
	keyBytes, err := s.keySerde.Serialize(s.Name(), key)
	if err != nil {
		return errors.Serialization("failed to serialize key", err)
	}
	valueBytes, err := s.valueSerde.Serialize(s.Name(), value)
	if err != nil {
		return errors.Serialization("failed to serialize value", err)
	}
	if valueBytes == nil {
		valueBytes = []byte{}
	}
	return s.putBytes(keyBytes, valueBytes, timestamp)
}

// PutNow caches value in the window starting at the current record timestamp
func (s *CachingWindowStore[K, V]) PutNow(key K, value V) error {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return errors.StoreNotOpen(s.Name())
	}
	timestamp := s.context.Timestamp()
	s.mu.Unlock()

	return s.Put(key, value, timestamp)
}

// Delete caches the removal of the window of key starting at timestamp
func (s *CachingWindowStore[K, V]) Delete(key K, timestamp int64) error {
	keyBytes, err := s.keySerde.Serialize(s.Name(), key)
	if err != nil {
		return errors.Serialization("failed to serialize key", err)
	}
	return s.putBytes(keyBytes, nil, timestamp)
}

func (s *CachingWindowStore[K, V]) putBytes(key, value []byte, timestamp int64) error {
	if err := s.validator.ValidatePut(key, value, timestamp); err != nil {
		return err
	}
	binaryKey, err := keyschema.ToBinaryKey(key, timestamp, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return errors.StoreNotOpen(s.Name())
	}

	entry := model.NewCacheEntry(value, s.context.RecordContext())
	if err := s.cache.Put(s.namespace, s.cacheFunc.CacheKey(binaryKey), entry); err != nil {
		return err
	}
	s.metrics.RecordStorePut(s.Name())
	return nil
}

// FetchAt returns the value of key in the window starting at timestamp
func (s *CachingWindowStore[K, V]) FetchAt(key K, timestamp int64) (V, bool, error) {
	var zero V
	keyBytes, err := s.keySerde.Serialize(s.Name(), key)
	if err != nil {
		return zero, false, errors.Serialization("failed to serialize key", err)
	}
	if err := s.validator.ValidateKey(keyBytes); err != nil {
		return zero, false, err
	}
	if timestamp < 0 {
		return zero, false, nil
	}
	binaryKey, err := keyschema.ToBinaryKey(keyBytes, timestamp, 0)
	if err != nil {
		return zero, false, err
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordStoreFetch(s.Name(), "point", time.Since(start).Seconds())
	}()

	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return zero, false, errors.StoreNotOpen(s.Name())
	}
	entry, cached := s.cache.Get(s.namespace, s.cacheFunc.CacheKey(binaryKey))
	s.mu.Unlock()

	var valueBytes []byte
	switch {
	case cached && entry.IsTombstone():
		return zero, false, nil
	case cached:
		valueBytes = entry.Value
	default:
		stored, found, err := s.underlying.Fetch(keyBytes, timestamp)
		if err != nil || !found {
			return zero, false, err
		}
		valueBytes = stored
	}

	value, err := s.valueSerde.Deserialize(s.Name(), valueBytes)
	if err != nil {
		return zero, false, errors.Serialization("failed to deserialize value", err)
	}
	return value, true, nil
}

// Fetch returns the windows of key starting in [from, to] as window start
// timestamp and value, in ascending timestamp order. The caller must close
// the iterator.
func (s *CachingWindowStore[K, V]) Fetch(key K, from, to int64) (iterator.Iterator[int64, V], error) {
	keyBytes, err := s.keySerde.Serialize(s.Name(), key)
	if err != nil {
		return nil, errors.Serialization("failed to serialize key", err)
	}
	if err := s.validator.ValidateKey(keyBytes); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateTimeRange(from, to); err != nil || to < 0 {
		s.logEmptyRange(err)
		return iterator.Empty[int64, V](), nil
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordStoreFetch(s.Name(), "key", time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return nil, errors.StoreNotOpen(s.Name())
	}

	storeIt, err := s.underlying.FetchKey(keyBytes, from, to)
	if err != nil {
		return nil, err
	}
	cacheIt := iterator.NewFilteredCacheIterator(
		s.cache.Range(s.namespace,
			s.cacheFunc.CacheKey(s.keySchema.LowerRangeFixedSize(keyBytes, from)),
			s.cacheFunc.CacheKey(s.keySchema.UpperRangeFixedSize(keyBytes, to))),
		s.cacheFunc,
		s.keySchema.HasNextCondition(keyBytes, keyBytes, from, to),
	)

	merged := iterator.NewMergedWindowStoreIterator(cacheIt, storeIt, s.cacheFunc)
	return iterator.Map(iterator.Iterator[int64, []byte](merged), passThrough[int64], s.deserializeValue), nil
}

// FetchRange returns the windows of every key in [keyFrom, keyTo] starting
// in [from, to], ordered by segment and then by serialized key and
// timestamp. The caller must close the iterator.
func (s *CachingWindowStore[K, V]) FetchRange(keyFrom, keyTo K, from, to int64) (iterator.Iterator[model.Windowed[K], V], error) {
	fromBytes, err := s.keySerde.Serialize(s.Name(), keyFrom)
	if err != nil {
		return nil, errors.Serialization("failed to serialize key", err)
	}
	toBytes, err := s.keySerde.Serialize(s.Name(), keyTo)
	if err != nil {
		return nil, errors.Serialization("failed to serialize key", err)
	}
	if err := s.validator.ValidateKey(fromBytes); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateKey(toBytes); err != nil {
		return nil, err
	}
	if err := multierr.Append(s.validator.ValidateKeyRange(fromBytes, toBytes), s.validator.ValidateTimeRange(from, to)); err != nil || to < 0 {
		s.logEmptyRange(err)
		return iterator.Empty[model.Windowed[K], V](), nil
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordStoreFetch(s.Name(), "range", time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return nil, errors.StoreNotOpen(s.Name())
	}

	storeIt, err := s.underlying.FetchRange(fromBytes, toBytes, from, to)
	if err != nil {
		return nil, err
	}
	cacheIt := iterator.NewFilteredCacheIterator(
		s.cache.Range(s.namespace,
			s.cacheFunc.CacheKey(s.keySchema.LowerRange(fromBytes, from)),
			s.cacheFunc.CacheKey(s.keySchema.UpperRange(toBytes, to))),
		s.cacheFunc,
		s.keySchema.HasNextCondition(fromBytes, toBytes, from, to),
	)

	merged := iterator.NewMergedWindowedKeyIterator(cacheIt, storeIt, s.cacheFunc, s.windowSize)
	return iterator.Map(iterator.Iterator[model.Windowed[[]byte], []byte](merged), s.deserializeWindowedKey, s.deserializeValue), nil
}

func (s *CachingWindowStore[K, V]) logEmptyRange(err error) {
	s.logger.Warn("Returning empty iterator for fetch with invalid range", zap.Error(err))
}

func passThrough[T any](v T) (T, error) {
	return v, nil
}

func (s *CachingWindowStore[K, V]) deserializeValue(data []byte) (V, error) {
	value, err := s.valueSerde.Deserialize(s.Name(), data)
	if err != nil {
		return value, errors.Serialization("failed to deserialize value", err)
	}
	return value, nil
}

func (s *CachingWindowStore[K, V]) deserializeWindowedKey(windowed model.Windowed[[]byte]) (model.Windowed[K], error) {
	key, err := s.keySerde.Deserialize(s.Name(), windowed.Key)
	if err != nil {
		return model.Windowed[K]{}, errors.Serialization("failed to deserialize key", err)
	}
	return model.Windowed[K]{Key: key, Window: windowed.Window}, nil
}

// Flush writes every dirty cached window to the underlying store, notifying
// the flush listener, and then flushes the underlying store
func (s *CachingWindowStore[K, V]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return errors.StoreNotOpen(s.Name())
	}
	return s.flushLocked()
}

func (s *CachingWindowStore[K, V]) flushLocked() error {
	start := time.Now()
	if err := s.cache.Flush(s.namespace); err != nil {
		return err
	}
	if err := s.underlying.Flush(); err != nil {
		return err
	}
	s.metrics.RecordStoreFlush(time.Since(start).Seconds())
	return nil
}

// Close flushes the store, releases its cache namespace and closes the
// underlying store. Closing a closed store returns a not-open error.
func (s *CachingWindowStore[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return errors.StoreNotOpen(s.Name())
	}

	err := s.flushLocked()
	s.cache.Close(s.namespace)
	err = multierr.Append(err, s.underlying.Close())
	s.state = stateClosed

	s.logger.Info("Closed caching window store", zap.String("namespace", s.namespace))
	return err
}

// flushEntries is the dirty entry listener of the store's namespace. The
// cache calls it while this store holds s.mu, from Put, Flush or Close.
func (s *CachingWindowStore[K, V]) flushEntries(entries []cache.DirtyEntry) error {
	for i, entry := range entries {
		if err := s.flushEntry(entry); err != nil {
			if i == 0 {
				return err
			}
			return &cache.PartialFlushError{Delivered: i, Err: err}
		}
	}
	return nil
}

func (s *CachingWindowStore[K, V]) flushEntry(entry cache.DirtyEntry) error {
	binaryKey, err := s.cacheFunc.Key(entry.Key)
	if err != nil {
		return err
	}
	key := keyschema.KeyFromBinaryKey(binaryKey)
	timestamp := keyschema.TimestampFromBinaryKey(binaryKey)

	// The previous value must be read before the new one is written
	if s.listener != nil {
		if err := s.forward(key, timestamp, entry.Entry); err != nil {
			return err
		}
	}
	return s.underlying.Put(key, entry.Entry.Value, timestamp)
}

func (s *CachingWindowStore[K, V]) forward(key []byte, timestamp int64, entry model.CacheEntry) error {
	recordKey, err := s.keySerde.Deserialize(s.Name(), key)
	if err != nil {
		return errors.Serialization("failed to deserialize key", err)
	}
	windowedKey := model.Windowed[K]{Key: recordKey, Window: model.TimeWindowForSize(timestamp, s.windowSize)}

	var newValue, oldValue *V
	if !entry.IsTombstone() {
		v, err := s.deserializeValue(entry.Value)
		if err != nil {
			return err
		}
		newValue = &v
	}

	old, found, err := s.underlying.Fetch(key, timestamp)
	if err != nil {
		return err
	}
	if found {
		v, err := s.deserializeValue(old)
		if err != nil {
			return err
		}
		oldValue = &v
	}

	return s.context.WithRecordContext(entry.Context, func() error {
		return s.listener.Apply(windowedKey, newValue, oldValue)
	})
}
