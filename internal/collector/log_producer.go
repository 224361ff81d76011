package collector

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/util"
	"github.com/natefinch/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const epochFile = "producer.epoch"

// LogProducerConfig holds log producer configuration
type LogProducerConfig struct {
	DataDir    string
	Partitions int
	SyncWrites bool
}

// LogRecord is one line of a partition log
type LogRecord struct {
	Offset    int64  `json:"offset"`
	Timestamp int64  `json:"timestamp"`
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
	Checksum  uint32 `json:"crc"`
}

// LogProducer appends records to one JSON-lines file per topic partition.
// Opening a producer on a directory bumps the epoch stored there, which
// fences any producer opened earlier on the same directory.
type LogProducer struct {
	dataDir    string
	partitions int
	syncWrites bool
	epoch      int64
	logger     *zap.Logger

	mu     sync.Mutex
	logs   map[TopicPartition]*partitionLog
	closed bool
}

type partitionLog struct {
	file       *os.File
	writer     *bufio.Writer
	nextOffset int64
}

// NewLogProducer opens a producer and claims the directory epoch
func NewLogProducer(cfg *LogProducerConfig, logger *zap.Logger) (*LogProducer, error) {
	if cfg.Partitions <= 0 {
		return nil, errors.InvalidArgument(fmt.Sprintf("partitions must be positive, got %d", cfg.Partitions), nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.StoreIO("failed to create producer directory", err).WithDetail("data_dir", cfg.DataDir)
	}

	epoch, err := readEpoch(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	epoch++
	if err := atomic.WriteFile(filepath.Join(cfg.DataDir, epochFile), bytes.NewReader([]byte(strconv.FormatInt(epoch, 10)))); err != nil {
		return nil, errors.StoreIO("failed to write producer epoch", err)
	}

	logger.Info("Opened log producer",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("partitions", cfg.Partitions),
		zap.Int64("epoch", epoch))

	return &LogProducer{
		dataDir:    cfg.DataDir,
		partitions: cfg.Partitions,
		syncWrites: cfg.SyncWrites,
		epoch:      epoch,
		logger:     logger,
		logs:       make(map[TopicPartition]*partitionLog),
	}, nil
}

func readEpoch(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, epochFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.StoreIO("failed to read producer epoch", err)
	}
	epoch, err := strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 64)
	if err != nil {
		return 0, errors.CorruptedData("invalid producer epoch file", err)
	}
	return epoch, nil
}

// Epoch returns the epoch claimed by this producer
func (p *LogProducer) Epoch() int64 {
	return p.epoch
}

// checkFenced must be called with p.mu held
func (p *LogProducer) checkFenced() error {
	current, err := readEpoch(p.dataDir)
	if err != nil {
		return err
	}
	if current != p.epoch {
		return fmt.Errorf("epoch %d superseded by %d: %w", p.epoch, current, ErrProducerFenced)
	}
	return nil
}

// Send appends the record and reports its offset through callback
func (p *LogProducer) Send(record ProducerRecord, callback SendCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.StoreNotOpen("producer")
	}
	if record.Partition < 0 || int(record.Partition) >= p.partitions {
		return errors.InvalidArgument(fmt.Sprintf("partition %d out of range for topic %s", record.Partition, record.Topic), nil)
	}
	if err := p.checkFenced(); err != nil {
		return err
	}

	tp := TopicPartition{Topic: record.Topic, Partition: record.Partition}
	log, err := p.openLog(tp)
	if err != nil {
		return err
	}

	line, err := json.Marshal(LogRecord{
		Offset:    log.nextOffset,
		Timestamp: record.Timestamp,
		Key:       record.Key,
		Value:     record.Value,
		Checksum:  util.ComputeChecksumParts(record.Key, record.Value),
	})
	if err != nil {
		return errors.Serialization("failed to marshal log record", err)
	}
	line = append(line, '\n')

	offset := log.nextOffset
	if _, err := log.writer.Write(line); err != nil {
		callback(RecordMetadata{}, errors.StoreIO("failed to append to partition log", err))
		return nil
	}
	log.nextOffset++

	callback(RecordMetadata{Topic: record.Topic, Partition: record.Partition, Offset: offset}, nil)
	return nil
}

// openLog must be called with p.mu held
func (p *LogProducer) openLog(tp TopicPartition) (*partitionLog, error) {
	if log, ok := p.logs[tp]; ok {
		return log, nil
	}

	path := LogPath(p.dataDir, tp.Topic, tp.Partition)
	existing, err := ReadLog(p.dataDir, tp.Topic, tp.Partition)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.StoreIO("failed to open partition log", err).WithDetail("path", path)
	}

	log := &partitionLog{
		file:       file,
		writer:     bufio.NewWriter(file),
		nextOffset: int64(len(existing)),
	}
	p.logs[tp] = log
	p.logger.Debug("Opened partition log", zap.String("path", path), zap.Int64("next_offset", log.nextOffset))
	return log, nil
}

// PartitionsFor returns the partition count of every topic
func (p *LogProducer) PartitionsFor(string) (int, error) {
	return p.partitions, nil
}

// Flush writes buffered records to their files
func (p *LogProducer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if err := p.checkFenced(); err != nil {
		return err
	}
	return p.flushLocked()
}

func (p *LogProducer) flushLocked() error {
	var err error
	for tp, log := range p.logs {
		if flushErr := log.writer.Flush(); flushErr != nil {
			err = multierr.Append(err, errors.StoreIO("failed to flush partition log "+tp.String(), flushErr))
			continue
		}
		if p.syncWrites {
			if syncErr := log.file.Sync(); syncErr != nil {
				err = multierr.Append(err, errors.StoreIO("failed to sync partition log "+tp.String(), syncErr))
			}
		}
	}
	return err
}

// Close flushes and closes every partition log. A fenced producer is
// closed without writing its buffered records.
func (p *LogProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	err := p.checkFenced()
	if err == nil {
		err = p.flushLocked()
	}
	for _, log := range p.logs {
		err = multierr.Append(err, log.file.Close())
	}
	p.logs = nil

	p.logger.Info("Closed log producer", zap.Int64("epoch", p.epoch))
	return err
}

// LogPath returns the file holding one topic partition
func LogPath(dir, topic string, partition int32) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d.log", topic, partition))
}

// ReadLog reads and validates every record of a partition log
func ReadLog(dir, topic string, partition int32) ([]LogRecord, error) {
	file, err := os.Open(LogPath(dir, topic, partition))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []LogRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var record LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return records, errors.CorruptedData(fmt.Sprintf("malformed record after offset %d", len(records)), err)
		}
		if actual := util.ComputeChecksumParts(record.Key, record.Value); actual != record.Checksum {
			return records, errors.ChecksumFailed(record.Checksum, actual).WithDetail("offset", record.Offset)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return records, errors.StoreIO("failed to read partition log", err)
	}
	return records, nil
}
