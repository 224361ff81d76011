package service

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/collector"
	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/metrics"
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/processor"
	"github.com/devrev/pairdb/windowstore/internal/storage/cache"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StateStore is a store owned by a task
type StateStore interface {
	Name() string
	Init(ctx *processor.Context) error
	Flush() error
	Close() error
}

// Record is an input record of a task
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp int64
	Key       []byte
	Value     []byte
}

// ProcessFunc handles one record. It runs with the record as the current
// record context of the task.
type ProcessFunc func(ctx context.Context, record Record) error

// TaskConfig holds stream task configuration
type TaskConfig struct {
	ApplicationID string
	TaskID        string
}

// StreamTask runs records through a processor over a set of stores that
// share one cache. Commit makes the state and the records sent so far
// durable.
type StreamTask struct {
	id        string
	context   *processor.Context
	collector *collector.RecordCollector
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	stores    []StateStore
	process   ProcessFunc
	processed int64
	closed    bool
}

// NewStreamTask creates a task over the shared cache c
func NewStreamTask(cfg *TaskConfig, c *cache.ThreadCache, rc *collector.RecordCollector, logger *zap.Logger, m *metrics.Metrics) *StreamTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamTask{
		id:        cfg.TaskID,
		context:   processor.NewContext(cfg.ApplicationID, cfg.TaskID, c, logger, m),
		collector: rc,
		logger:    logger.With(zap.String("task_id", cfg.TaskID)),
		metrics:   m,
	}
}

// ID returns the task id
func (t *StreamTask) ID() string {
	return t.id
}

// Context returns the processor context of the task
func (t *StreamTask) Context() *processor.Context {
	return t.context
}

// Collector returns the record collector of the task
func (t *StreamTask) Collector() *collector.RecordCollector {
	return t.collector
}

// AddStore initializes s and registers it with the task
func (t *StreamTask) AddStore(s StateStore) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.StoreNotOpen("task " + t.id)
	}
	for _, existing := range t.stores {
		if existing.Name() == s.Name() {
			return errors.InvalidArgument("store "+s.Name()+" is already registered", nil).
				WithDetail("task_id", t.id)
		}
	}
	if err := s.Init(t.context); err != nil {
		return err
	}
	t.stores = append(t.stores, s)
	return nil
}

// SetProcessor sets the function run for every record
func (t *StreamTask) SetProcessor(fn ProcessFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.process = fn
}

// Process runs the processor for record
func (t *StreamTask) Process(ctx context.Context, record Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.StoreNotOpen("task " + t.id)
	}
	if t.process == nil {
		return errors.InvalidArgument("task "+t.id+" has no processor", nil)
	}

	rc := model.RecordContext{
		Offset:    record.Offset,
		Timestamp: record.Timestamp,
		Partition: record.Partition,
		Topic:     record.Topic,
	}
	err := t.context.WithRecordContext(rc, func() error {
		return t.process(ctx, record)
	})
	if err != nil {
		return err
	}

	t.processed++
	t.metrics.RecordProcessed()
	return nil
}

// Commit flushes every store in registration order and then the collector
func (t *StreamTask) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.StoreNotOpen("task " + t.id)
	}
	return t.commitLocked(ctx)
}

func (t *StreamTask) commitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	for _, s := range t.stores {
		if err := s.Flush(); err != nil {
			t.logger.Error("Failed to flush store", zap.String("store", s.Name()), zap.Error(err))
			return err
		}
	}
	if t.collector != nil {
		if err := t.collector.Flush(); err != nil {
			return err
		}
	}

	t.metrics.RecordCommit(time.Since(start).Seconds())
	t.logger.Debug("Committed task",
		zap.Int64("processed", t.processed),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Processed returns the number of records processed
func (t *StreamTask) Processed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed
}

// Close commits the task and closes its stores and collector
func (t *StreamTask) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	err := t.commitLocked(ctx)
	for _, s := range t.stores {
		err = multierr.Append(err, s.Close())
	}
	if t.collector != nil {
		err = multierr.Append(err, t.collector.Close())
	}

	t.logger.Info("Closed task",
		zap.Int64("processed", t.processed),
		zap.Int("stores", len(t.stores)),
		zap.Error(err))
	return err
}
