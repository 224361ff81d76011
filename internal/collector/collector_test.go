package collector

import (
	"context"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedProducer returns the queued errors from Send in order, then succeeds
type scriptedProducer struct {
	sendErrs    []error
	callbackErr error
	partitions  int
	sends       int
	accepted    []ProducerRecord
	flushErr    error
	flushed     bool
	closed      bool
	nextOffset  int64
}

func (p *scriptedProducer) Send(record ProducerRecord, callback SendCallback) error {
	p.sends++
	if len(p.sendErrs) > 0 {
		err := p.sendErrs[0]
		p.sendErrs = p.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	p.accepted = append(p.accepted, record)
	if p.callbackErr != nil {
		callback(RecordMetadata{}, p.callbackErr)
		return nil
	}
	callback(RecordMetadata{Topic: record.Topic, Partition: record.Partition, Offset: p.nextOffset}, nil)
	p.nextOffset++
	return nil
}

func (p *scriptedProducer) PartitionsFor(string) (int, error) {
	return p.partitions, nil
}

func (p *scriptedProducer) Flush() error {
	p.flushed = true
	return p.flushErr
}

func (p *scriptedProducer) Close() error {
	p.closed = true
	return nil
}

func newCollector(p Producer) *RecordCollector {
	return NewRecordCollector(p, &Config{MaxSendAttempts: 3, RetryBackoff: time.Millisecond}, zap.NewNop(), nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want SendResult
	}{
		{nil, Sent},
		{ErrTimeout, RetryableFailure},
		{errors.StoreIO("wrapped", ErrTimeout), RetryableFailure},
		{ErrProducerFenced, FatalFailure},
		{stderrors.New("serialization"), FatalFailure},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRecordCollector_Send(t *testing.T) {
	tests := []struct {
		name      string
		sendErrs  []error
		wantSends int
		wantCode  errors.ErrorCode
	}{
		{"first attempt", nil, 1, errors.ErrCodeOK},
		{"retries timeouts", []error{ErrTimeout, ErrTimeout}, 3, errors.ErrCodeOK},
		{"gives up after max attempts", []error{ErrTimeout, ErrTimeout, ErrTimeout}, 3, errors.ErrCodeSendFailed},
		{"fenced is fatal", []error{ErrProducerFenced}, 1, errors.ErrCodeProducerFenced},
		{"other errors are fatal", []error{stderrors.New("bad record")}, 1, errors.ErrCodeSendFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProducer{sendErrs: tt.sendErrs, partitions: 1}
			c := newCollector(p)

			err := c.Send(context.Background(), "output", []byte("k"), []byte("v"), 0, 100)
			assert.Equal(t, tt.wantSends, p.sends)
			if tt.wantCode == errors.ErrCodeOK {
				require.NoError(t, err)
				assert.Equal(t, map[TopicPartition]int64{{Topic: "output", Partition: 0}: 0}, c.Offsets())
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
		})
	}
}

func TestRecordCollector_RetryHonoursContext(t *testing.T) {
	p := &scriptedProducer{sendErrs: []error{ErrTimeout, ErrTimeout}, partitions: 1}
	c := NewRecordCollector(p, &Config{MaxSendAttempts: 3, RetryBackoff: time.Hour}, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Send(ctx, "output", nil, []byte("v"), 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.sends)
}

func TestRecordCollector_AsyncErrorFailsNextSend(t *testing.T) {
	p := &scriptedProducer{callbackErr: ErrProducerFenced, partitions: 1}
	c := newCollector(p)

	// Accepted, the failure arrives through the callback
	require.NoError(t, c.Send(context.Background(), "output", nil, []byte("v"), 0, 1))

	err := c.Send(context.Background(), "output", nil, []byte("v"), 0, 2)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeProducerFenced))
	assert.Equal(t, 1, p.sends)

	assert.Error(t, c.Flush())
	assert.True(t, p.flushed)
}

func TestRecordCollector_TracksOffsetsPerPartition(t *testing.T) {
	p := &scriptedProducer{partitions: 4}
	c := newCollector(p)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "output", nil, []byte("a"), 1, 1))
	require.NoError(t, c.Send(ctx, "output", nil, []byte("b"), 2, 1))
	require.NoError(t, c.Send(ctx, "output", nil, []byte("c"), 1, 1))

	assert.Equal(t, map[TopicPartition]int64{
		{Topic: "output", Partition: 1}: 2,
		{Topic: "output", Partition: 2}: 1,
	}, c.Offsets())
}

func TestRecordCollector_SendPartitioned(t *testing.T) {
	p := &scriptedProducer{partitions: 4}
	c := newCollector(p)

	require.NoError(t, c.SendPartitioned(context.Background(), "output", []byte("user1"), []byte("v"), 1, HashPartitioner))
	require.Len(t, p.accepted, 1)
	assert.Equal(t, HashPartitioner("output", []byte("user1"), nil, 4), p.accepted[0].Partition)

	empty := &scriptedProducer{partitions: 0}
	err := newCollector(empty).SendPartitioned(context.Background(), "output", nil, nil, 1, HashPartitioner)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestRecordCollector_CloseClosesProducer(t *testing.T) {
	p := &scriptedProducer{partitions: 1}
	c := newCollector(p)
	require.NoError(t, c.Close())
	assert.True(t, p.flushed)
	assert.True(t, p.closed)
}

func TestHashPartitioner_InRange(t *testing.T) {
	for _, key := range []string{"", "a", "user1", "user2", "a much longer key"} {
		partition := HashPartitioner("t", []byte(key), nil, 3)
		assert.GreaterOrEqual(t, partition, int32(0))
		assert.Less(t, partition, int32(3))
	}
}

func TestLogProducer_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	p, err := NewLogProducer(&LogProducerConfig{DataDir: dir, Partitions: 2}, zap.NewNop())
	require.NoError(t, err)
	c := newCollector(p)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "changes", []byte("k1"), []byte("v1"), 0, 10))
	require.NoError(t, c.Send(ctx, "changes", []byte("k2"), nil, 0, 20))
	require.NoError(t, c.Send(ctx, "changes", []byte("k3"), []byte("v3"), 1, 30))
	require.NoError(t, c.Close())

	records, err := ReadLog(dir, "changes", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(0), records[0].Offset)
	assert.Equal(t, []byte("v1"), records[0].Value)
	assert.Equal(t, int64(1), records[1].Offset)
	assert.Nil(t, records[1].Value)

	assert.Equal(t, int64(1), c.Offsets()[TopicPartition{Topic: "changes", Partition: 0}])
}

func TestLogProducer_ContinuesOffsetsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := NewLogProducer(&LogProducerConfig{DataDir: dir, Partitions: 1}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, newCollector(first).Send(context.Background(), "changes", nil, []byte("a"), 0, 1))
	require.NoError(t, first.Close())

	second, err := NewLogProducer(&LogProducerConfig{DataDir: dir, Partitions: 1}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first.Epoch()+1, second.Epoch())

	c := newCollector(second)
	require.NoError(t, c.Send(context.Background(), "changes", nil, []byte("b"), 0, 2))
	require.NoError(t, c.Close())

	records, err := ReadLog(dir, "changes", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[1].Offset)
}

func TestLogProducer_NewerInstanceFencesOlder(t *testing.T) {
	dir := t.TempDir()
	old, err := NewLogProducer(&LogProducerConfig{DataDir: dir, Partitions: 1}, zap.NewNop())
	require.NoError(t, err)
	_, err = NewLogProducer(&LogProducerConfig{DataDir: dir, Partitions: 1}, zap.NewNop())
	require.NoError(t, err)

	err = newCollector(old).Send(context.Background(), "changes", nil, []byte("late"), 0, 1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeProducerFenced))
	assert.ErrorIs(t, old.Close(), ErrProducerFenced)

	_, err = os.Stat(LogPath(dir, "changes", 0))
	assert.True(t, os.IsNotExist(err))
}

func TestLogProducer_RejectsInvalidPartition(t *testing.T) {
	p, err := NewLogProducer(&LogProducerConfig{DataDir: t.TempDir(), Partitions: 1}, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	err = newCollector(p).Send(context.Background(), "changes", nil, []byte("v"), 5, 1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestReadLog_DetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	line := `{"offset":0,"timestamp":1,"key":null,"value":"dg==","crc":1}` + "\n"
	require.NoError(t, os.WriteFile(LogPath(dir, "changes", 0), []byte(line), 0644))

	_, err := ReadLog(dir, "changes", 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeChecksumFailed))
}
