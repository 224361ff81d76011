// Package processor holds the per-task processing context shared by the
// stores of a task.
package processor

import (
	"github.com/devrev/pairdb/windowstore/internal/metrics"
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/storage/cache"
	"go.uber.org/zap"
)

// Context carries the identity of a task, its cache and the provenance of
// the record being processed. It is owned by one task and is not safe for
// concurrent use.
type Context struct {
	applicationID string
	taskID        string
	cache         *cache.ThreadCache
	logger        *zap.Logger
	metrics       *metrics.Metrics
	recordContext model.RecordContext
}

// NewContext creates a processing context for one task
func NewContext(applicationID, taskID string, c *cache.ThreadCache, logger *zap.Logger, m *metrics.Metrics) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		applicationID: applicationID,
		taskID:        taskID,
		cache:         c,
		logger:        logger.With(zap.String("task_id", taskID)),
		metrics:       m,
	}
}

func (c *Context) ApplicationID() string { return c.applicationID }
func (c *Context) TaskID() string { return c.taskID }
func (c *Context) Cache() *cache.ThreadCache { return c.cache }
func (c *Context) Logger() *zap.Logger { return c.logger }
func (c *Context) Metrics() *metrics.Metrics { return c.metrics }
func (c *Context) RecordContext() model.RecordContext { return c.recordContext }

// SetRecordContext replaces the current record provenance
func (c *Context) SetRecordContext(rc model.RecordContext) {
	c.recordContext = rc
}

// Timestamp returns the timestamp of the current record
func (c *Context) Timestamp() int64 {
	return c.recordContext.Timestamp
}

// WithRecordContext runs fn with rc as the current record context and
// restores the previous context afterwards, whatever fn returns
func (c *Context) WithRecordContext(rc model.RecordContext, fn func() error) error {
	previous := c.recordContext
	c.recordContext = rc
	defer func() {
		c.recordContext = previous
	}()
	return fn()
}
