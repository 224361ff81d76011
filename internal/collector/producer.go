package collector

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrTimeout marks a send that may succeed when retried
	ErrTimeout = stderrors.New("send timed out")
	// ErrProducerFenced marks a producer replaced by a newer instance
	ErrProducerFenced = stderrors.New("producer fenced by a newer instance")
)

// TopicPartition identifies one partition of a topic
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// ProducerRecord is a record to publish
type ProducerRecord struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Timestamp int64
}

// RecordMetadata describes a published record
type RecordMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
}

// SendCallback is invoked once per record that Send accepted
type SendCallback func(metadata RecordMetadata, err error)

// Producer publishes records to a durable log. Send returns an error only
// when the record was not accepted; failures after acceptance are reported
// through the callback.
type Producer interface {
	Send(record ProducerRecord, callback SendCallback) error
	PartitionsFor(topic string) (int, error)
	Flush() error
	Close() error
}

// SendResult classifies the outcome of one send attempt
type SendResult int

const (
	Sent SendResult = iota
	RetryableFailure
	FatalFailure
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case RetryableFailure:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify maps a send error to its result
func Classify(err error) SendResult {
	switch {
	case err == nil:
		return Sent
	case stderrors.Is(err, ErrTimeout):
		return RetryableFailure
	default:
		return FatalFailure
	}
}
