package collector

import (
	"context"
	stderrors "errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds record collector configuration
type Config struct {
	MaxSendAttempts int
	RetryBackoff    time.Duration
}

// DefaultConfig returns the default collector configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSendAttempts: 3,
		RetryBackoff:    100 * time.Millisecond,
	}
}

// Partitioner picks the partition of a record
type Partitioner func(topic string, key, value []byte, numPartitions int) int32

// HashPartitioner assigns records by the FNV-1a hash of their key
func HashPartitioner(_ string, key, _ []byte, numPartitions int) int32 {
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32() % uint32(numPartitions))
}

// RecordCollector sends the records produced by one task. Send failures
// reported asynchronously are kept and returned by the next call.
type RecordCollector struct {
	producer    Producer
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	offsets map[TopicPartition]int64
	sendErr error
}

// NewRecordCollector creates a collector over producer
func NewRecordCollector(producer Producer, cfg *Config, logger *zap.Logger, m *metrics.Metrics) *RecordCollector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxSendAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RecordCollector{
		producer:    producer,
		maxAttempts: maxAttempts,
		backoff:     cfg.RetryBackoff,
		logger:      logger,
		metrics:     m,
		offsets:     make(map[TopicPartition]int64),
	}
}

// SendPartitioned sends a record to the partition chosen by partitioner
func (c *RecordCollector) SendPartitioned(ctx context.Context, topic string, key, value []byte, timestamp int64, partitioner Partitioner) error {
	numPartitions, err := c.producer.PartitionsFor(topic)
	if err != nil {
		return errors.SendFailed(topic, 0, err)
	}
	if numPartitions <= 0 {
		return errors.InvalidArgument("could not get partition information for topic "+topic, nil).
			WithDetail("topic", topic)
	}
	return c.Send(ctx, topic, key, value, partitioner(topic, key, value, numPartitions), timestamp)
}

// Send publishes a record, retrying timed out attempts with a fixed backoff
func (c *RecordCollector) Send(ctx context.Context, topic string, key, value []byte, partition int32, timestamp int64) error {
	if err := c.checkForException(); err != nil {
		return err
	}

	record := ProducerRecord{
		Topic:     topic,
		Partition: partition,
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
	}

	for attempt := 1; ; attempt++ {
		err := c.producer.Send(record, c.callback(record))
		switch Classify(err) {
		case Sent:
			return nil

		case RetryableFailure:
			if attempt >= c.maxAttempts {
				c.metrics.RecordSendFailure("timeout")
				c.logger.Error("Giving up sending record",
					zap.String("topic", topic),
					zap.Int32("partition", partition),
					zap.Int("attempts", attempt),
					zap.Error(err))
				return errors.SendFailed(topic, attempt, err)
			}
			c.metrics.RecordSendRetry()
			c.logger.Warn("Timeout sending record, retrying",
				zap.String("topic", topic),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", c.backoff))

			select {
			case <-ctx.Done():
				return errors.SendFailed(topic, attempt, ctx.Err())
			case <-time.After(c.backoff):
			}

		default:
			return c.fatal(topic, attempt, err)
		}
	}
}

func (c *RecordCollector) fatal(topic string, attempts int, err error) error {
	if stderrors.Is(err, ErrProducerFenced) {
		c.metrics.RecordSendFailure("fenced")
		c.logger.Error("Producer fenced", zap.String("topic", topic), zap.Error(err))
		return errors.ProducerFenced(topic, err)
	}
	c.metrics.RecordSendFailure("fatal")
	return errors.SendFailed(topic, attempts, err)
}

func (c *RecordCollector) callback(record ProducerRecord) SendCallback {
	return func(metadata RecordMetadata, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if err != nil {
			if c.sendErr == nil {
				c.sendErr = c.fatal(record.Topic, 1, err)
			}
			c.logger.Error("Error sending record",
				zap.String("topic", record.Topic),
				zap.Int32("partition", record.Partition),
				zap.Int64("timestamp", record.Timestamp),
				zap.Error(err))
			return
		}

		c.offsets[TopicPartition{Topic: metadata.Topic, Partition: metadata.Partition}] = metadata.Offset
		c.metrics.RecordSend(metadata.Topic)
	}
}

func (c *RecordCollector) checkForException() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendErr
}

// Offsets returns the last acknowledged offset per partition
func (c *RecordCollector) Offsets() map[TopicPartition]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets := make(map[TopicPartition]int64, len(c.offsets))
	for tp, offset := range c.offsets {
		offsets[tp] = offset
	}
	return offsets
}

// Flush flushes the producer and reports any earlier send failure
func (c *RecordCollector) Flush() error {
	if err := c.producer.Flush(); err != nil {
		return c.fatal("*", 1, err)
	}
	return c.checkForException()
}

// Close flushes and closes the producer
func (c *RecordCollector) Close() error {
	err := c.Flush()
	if closeErr := c.producer.Close(); closeErr != nil {
		err = multierr.Append(err, c.fatal("*", 1, closeErr))
	}
	return err
}
