package cache

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/metrics"
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/google/btree"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
)

// DirtyEntry is a dirty cache entry handed to a flush listener
type DirtyEntry struct {
	Key   []byte
	Entry model.CacheEntry
}

// DirtyEntryFlushListener receives the dirty entries of one namespace in
// ascending key order. A returned error leaves every entry of the batch
// dirty, unless it is a *PartialFlushError naming how many leading entries
// were handled.
type DirtyEntryFlushListener func(entries []DirtyEntry) error

// PartialFlushError reports a listener failure after the first Delivered
// entries of a batch were handled
type PartialFlushError struct {
	Delivered int
	Err       error
}

func (e *PartialFlushError) Error() string {
	return fmt.Sprintf("flush failed after %d entries: %v", e.Delivered, e.Err)
}

func (e *PartialFlushError) Unwrap() error {
	return e.Err
}

// Config holds cache configuration
type Config struct {
	MaxBytes int64
}

// Stats is a snapshot of cache counters
type Stats struct {
	Puts      int64
	Gets      int64
	Hits      int64
	Misses    int64
	Evictions int64
	Flushes   int64
}

// ThreadCache is a byte-budgeted write-back cache shared by many stores.
// Each store owns a namespace; puts, flushes and evictions of one
// namespace are serialized, and its listener never runs concurrently with
// another operation on the same namespace.
type ThreadCache struct {
	maxBytes     int64
	totalBytes   atomic.Int64
	totalEntries atomic.Int64
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	caches map[string]*namedCache

	puts      atomic.Int64
	gets      atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	flushes   atomic.Int64
}

// NewThreadCache creates a new cache
func NewThreadCache(cfg *Config, logger *zap.Logger, m *metrics.Metrics) *ThreadCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThreadCache{
		maxBytes: cfg.MaxBytes,
		logger:   logger,
		metrics:  m,
		caches:   make(map[string]*namedCache),
	}
}

// AddDirtyEntryFlushListener registers the flush listener of a namespace,
// replacing any previous one
func (c *ThreadCache) AddDirtyEntryFlushListener(namespace string, listener DirtyEntryFlushListener) {
	nc := c.lockNamespace(namespace)
	defer nc.mu.Unlock()
	nc.listener = listener
}

// Put inserts or overwrites an entry and then evicts from the same namespace
// until the cache fits its budget. The put is applied even when eviction
// fails with a listener error.
func (c *ThreadCache) Put(namespace string, key []byte, entry *model.CacheEntry) error {
	c.puts.Add(1)
	nc := c.lockNamespace(namespace)
	defer nc.mu.Unlock()

	c.putItem(nc, key, entry)
	err := c.maybeEvict(nc)
	c.metrics.UpdateCacheStats(c.Size(), c.totalBytes.Load())
	return err
}

// Get returns a copy of the entry stored under key
func (c *ThreadCache) Get(namespace string, key []byte) (*model.CacheEntry, bool) {
	c.gets.Add(1)
	nc := c.lookup(namespace)
	if nc == nil {
		c.recordLookup(false)
		return nil, false
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	value, ok := nc.lru.Get(string(key))
	c.recordLookup(ok)
	if !ok {
		return nil, false
	}
	entry := *value.(*item).entry
	return &entry, true
}

// Delete removes an entry without flushing it
func (c *ThreadCache) Delete(namespace string, key []byte) (*model.CacheEntry, bool) {
	nc := c.lookup(namespace)
	if nc == nil {
		return nil, false
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	it, ok := c.removeItem(nc, key)
	if !ok {
		return nil, false
	}
	return it.entry, true
}

// Range returns an iterator over the keys of a namespace in [from, to].
// A nil bound is unbounded. The key set is captured when the iterator is
// created; entries are read when the iterator reaches them, and keys
// removed in the meantime are skipped.
func (c *ThreadCache) Range(namespace string, from, to []byte) *RangeIterator {
	nc := c.lookup(namespace)
	if nc == nil {
		return &RangeIterator{}
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	return &RangeIterator{cache: nc, keys: nc.keyRange(from, to)}
}

// All returns an iterator over every key of a namespace
func (c *ThreadCache) All(namespace string) *RangeIterator {
	return c.Range(namespace, nil, nil)
}

// Flush delivers all dirty entries of a namespace to its listener. Entries
// become clean only once the listener returns successfully; deleted entries
// are then dropped from the cache.
func (c *ThreadCache) Flush(namespace string) error {
	nc := c.lookup(namespace)
	if nc == nil {
		return nil
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	return c.flushLocked(nc)
}

// Close drops a namespace and its entries without flushing them
func (c *ThreadCache) Close(namespace string) {
	c.mu.Lock()
	nc, ok := c.caches[namespace]
	delete(c.caches, namespace)
	c.mu.Unlock()
	if !ok {
		return
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	c.totalBytes.Add(-nc.bytes)
	c.totalEntries.Add(-int64(nc.tree.Len()))
	nc.clear()

	c.logger.Info("Closed cache namespace", zap.String("namespace", namespace))
}

// Size returns the number of entries across all namespaces
func (c *ThreadCache) Size() int {
	return int(c.totalEntries.Load())
}

// NamespaceSize returns the number of entries in one namespace
func (c *ThreadCache) NamespaceSize(namespace string) int {
	nc := c.lookup(namespace)
	if nc == nil {
		return 0
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.tree.Len()
}

// SizeBytes returns the estimated memory held by all entries
func (c *ThreadCache) SizeBytes() int64 {
	return c.totalBytes.Load()
}

// MaxBytes returns the cache budget
func (c *ThreadCache) MaxBytes() int64 {
	return c.maxBytes
}

// UsagePercent returns the share of the budget in use
func (c *ThreadCache) UsagePercent() float64 {
	if c.maxBytes <= 0 {
		return 0
	}
	return float64(c.totalBytes.Load()) / float64(c.maxBytes) * 100
}

// HitRate returns the share of gets that found an entry
func (c *ThreadCache) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Stats returns a snapshot of the cache counters
func (c *ThreadCache) Stats() Stats {
	return Stats{
		Puts:      c.puts.Load(),
		Gets:      c.gets.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Flushes:   c.flushes.Load(),
	}
}

func (c *ThreadCache) recordLookup(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.RecordCacheLookup(hit)
}

func (c *ThreadCache) lookup(namespace string) *namedCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caches[namespace]
}

func (c *ThreadCache) getOrCreate(namespace string) *namedCache {
	if nc := c.lookup(namespace); nc != nil {
		return nc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if nc, ok := c.caches[namespace]; ok {
		return nc
	}
	nc := newNamedCache(namespace)
	c.caches[namespace] = nc
	return nc
}

// lockNamespace returns the live namespace with its lock held, creating it
// when missing. A namespace closed while waiting for its lock is replaced.
func (c *ThreadCache) lockNamespace(namespace string) *namedCache {
	for {
		nc := c.getOrCreate(namespace)
		nc.mu.Lock()
		if !nc.closed {
			return nc
		}
		nc.mu.Unlock()
	}
}

// maybeEvict evicts least recently used entries of nc while the cache is
// over budget. Must be called with nc.mu held.
func (c *ThreadCache) maybeEvict(nc *namedCache) error {
	for c.totalBytes.Load() > c.maxBytes && nc.tree.Len() > 0 {
		_, oldest, ok := nc.lru.GetOldest()
		if !ok {
			return nil
		}
		it := oldest.(*item)

		if it.entry.Dirty {
			if err := c.deliver(nc, []DirtyEntry{{Key: it.key, Entry: *it.entry}}); err != nil {
				return err
			}
			it.entry.Dirty = false
		}

		c.removeItem(nc, it.key)
		c.evictions.Add(1)
		c.metrics.RecordCacheEviction()

		c.logger.Debug("Evicted cache entry",
			zap.String("namespace", nc.name),
			zap.Int("key_size", len(it.key)))
	}
	return nil
}

// flushLocked must be called with nc.mu held
func (c *ThreadCache) flushLocked(nc *namedCache) error {
	start := time.Now()

	dirty := nc.dirtyItems()
	if len(dirty) == 0 {
		return nil
	}

	batch := make([]DirtyEntry, len(dirty))
	for i, it := range dirty {
		batch[i] = DirtyEntry{Key: it.key, Entry: *it.entry}
	}

	if err := c.deliver(nc, batch); err != nil {
		delivered := 0
		var partial *PartialFlushError
		if stderrors.As(err, &partial) && partial.Delivered <= len(dirty) {
			delivered = partial.Delivered
		}
		c.markClean(nc, dirty[:delivered])

		c.metrics.RecordCacheFlush("error", delivered, time.Since(start).Seconds())
		c.logger.Error("Failed to flush cache namespace",
			zap.String("namespace", nc.name),
			zap.Int("entries", len(batch)),
			zap.Int("delivered", delivered),
			zap.Error(err))
		return err
	}
	c.markClean(nc, dirty)

	c.flushes.Add(1)
	c.metrics.RecordCacheFlush("ok", len(batch), time.Since(start).Seconds())
	c.metrics.UpdateCacheStats(c.Size(), c.totalBytes.Load())
	c.logger.Debug("Flushed cache namespace",
		zap.String("namespace", nc.name),
		zap.Int("entries", len(batch)))
	return nil
}

// markClean clears the dirty flag of delivered items and drops delivered
// deletes. Must be called with nc.mu held.
func (c *ThreadCache) markClean(nc *namedCache, delivered []*item) {
	for _, it := range delivered {
		it.entry.Dirty = false
		if it.entry.IsTombstone() {
			c.removeItem(nc, it.key)
		}
	}
}

func (c *ThreadCache) putItem(nc *namedCache, key []byte, entry *model.CacheEntry) {
	bytesDelta, entriesDelta := nc.put(key, entry)
	c.totalBytes.Add(bytesDelta)
	c.totalEntries.Add(entriesDelta)
}

func (c *ThreadCache) removeItem(nc *namedCache, key []byte) (*item, bool) {
	it, ok := nc.remove(key)
	if ok {
		c.totalBytes.Add(-it.entry.Size(it.key))
		c.totalEntries.Add(-1)
	}
	return it, ok
}

func (c *ThreadCache) deliver(nc *namedCache, batch []DirtyEntry) error {
	if nc.listener == nil {
		return errors.InternalError("no flush listener registered for cache namespace "+nc.name, nil).
			WithDetail("namespace", nc.name)
	}
	if err := nc.listener(batch); err != nil {
		return errors.ListenerFailed(nc.name, err)
	}
	return nil
}

// item is a single cached key. Entries are replaced, never mutated, except
// for the dirty flag which only changes under the namespace lock.
type item struct {
	key   []byte
	entry *model.CacheEntry
}

func lessItem(a, b *item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// namedCache holds the entries of one namespace: a btree for ordered range
// scans and an LRU list for eviction order.
type namedCache struct {
	name     string
	mu       sync.Mutex
	tree     *btree.BTreeG[*item]
	lru      *simplelru.LRU
	bytes    int64
	listener DirtyEntryFlushListener
	closed   bool
}

func newNamedCache(name string) *namedCache {
	// Eviction is driven by the byte budget, so the LRU itself is unbounded
	lru, _ := simplelru.NewLRU(math.MaxInt32, nil)
	return &namedCache{
		name: name,
		tree: btree.NewG(32, lessItem),
		lru:  lru,
	}
}

// put returns the change in estimated bytes and in entry count
func (nc *namedCache) put(key []byte, entry *model.CacheEntry) (int64, int64) {
	key = append([]byte(nil), key...)
	stored := *entry
	it := &item{key: key, entry: &stored}

	bytesDelta, entriesDelta := stored.Size(key), int64(1)
	if old, ok := nc.peek(key); ok {
		bytesDelta -= old.entry.Size(key)
		entriesDelta = 0
	}

	nc.tree.ReplaceOrInsert(it)
	nc.lru.Add(string(key), it)
	nc.bytes += bytesDelta
	return bytesDelta, entriesDelta
}

func (nc *namedCache) peek(key []byte) (*item, bool) {
	value, ok := nc.lru.Peek(string(key))
	if !ok {
		return nil, false
	}
	return value.(*item), true
}

func (nc *namedCache) remove(key []byte) (*item, bool) {
	it, ok := nc.peek(key)
	if !ok {
		return nil, false
	}
	nc.tree.Delete(it)
	nc.lru.Remove(string(key))
	nc.bytes -= it.entry.Size(it.key)
	return it, true
}

func (nc *namedCache) keyRange(from, to []byte) [][]byte {
	var keys [][]byte
	visit := func(it *item) bool {
		if to != nil && bytes.Compare(it.key, to) > 0 {
			return false
		}
		keys = append(keys, it.key)
		return true
	}
	if from == nil {
		nc.tree.Ascend(visit)
	} else {
		nc.tree.AscendGreaterOrEqual(&item{key: from}, visit)
	}
	return keys
}

func (nc *namedCache) dirtyItems() []*item {
	var dirty []*item
	nc.tree.Ascend(func(it *item) bool {
		if it.entry.Dirty {
			dirty = append(dirty, it)
		}
		return true
	})
	return dirty
}

func (nc *namedCache) clear() {
	nc.tree.Clear(false)
	nc.lru.Purge()
	nc.bytes = 0
	nc.closed = true
}
