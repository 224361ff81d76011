package service

import (
	"context"

	"github.com/devrev/pairdb/windowstore/internal/collector"
	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/processor"
	"github.com/devrev/pairdb/windowstore/internal/serde"
	"github.com/devrev/pairdb/windowstore/internal/storage/keyschema"
)

// ForwardingListener sends every flushed window change to a topic. The
// record key is the binary window key and the value is the new value, nil
// for a deleted window. Records keep the timestamp of the write that
// produced them.
type ForwardingListener[K any, V any] struct {
	ctx        context.Context
	processor  *processor.Context
	collector  *collector.RecordCollector
	topic      string
	keySerde   serde.Serde[K]
	valueSerde serde.Serde[V]
}

// NewForwardingListener creates a listener sending to topic through c
func NewForwardingListener[K any, V any](
	ctx context.Context,
	pc *processor.Context,
	c *collector.RecordCollector,
	topic string,
	keySerde serde.Serde[K],
	valueSerde serde.Serde[V],
) *ForwardingListener[K, V] {
	return &ForwardingListener[K, V]{
		ctx:        ctx,
		processor:  pc,
		collector:  c,
		topic:      topic,
		keySerde:   keySerde,
		valueSerde: valueSerde,
	}
}

// Apply implements CacheFlushListener
func (l *ForwardingListener[K, V]) Apply(key model.Windowed[K], newValue, _ *V) error {
	keyBytes, err := l.keySerde.Serialize(l.topic, key.Key)
	if err != nil {
		return errors.Serialization("failed to serialize key", err)
	}
	windowKey, err := keyschema.ToBinaryKey(keyBytes, key.Window.Start, 0)
	if err != nil {
		return err
	}

	var valueBytes []byte
	if newValue != nil {
		valueBytes, err = l.valueSerde.Serialize(l.topic, *newValue)
		if err != nil {
			return errors.Serialization("failed to serialize value", err)
		}
	}

	return l.collector.SendPartitioned(l.ctx, l.topic, windowKey, valueBytes,
		l.processor.Timestamp(), collector.HashPartitioner)
}
