// Package serde converts application keys and values to the bytes the
// window stores hold.
package serde

import (
	"encoding/binary"
	"fmt"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Serde serializes values of one type. Serialize must be deterministic so
// that equal keys produce equal bytes.
type Serde[T any] interface {
	Serialize(topic string, value T) ([]byte, error)
	Deserialize(topic string, data []byte) (T, error)
}

// String serializes strings as their UTF-8 bytes
type String struct{}

func (String) Serialize(_ string, value string) ([]byte, error) {
	return []byte(value), nil
}

func (String) Deserialize(_ string, data []byte) (string, error) {
	return string(data), nil
}

// Int64 serializes integers as 8 big-endian bytes
type Int64 struct{}

func (Int64) Serialize(_ string, value int64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, uint64(value)), nil
}

func (Int64) Deserialize(topic string, data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, errors.Serialization(fmt.Sprintf("int64 value for topic %s must be 8 bytes, got %d", topic, len(data)), nil)
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// Bytes passes byte slices through, copying on the way in
type Bytes struct{}

func (Bytes) Serialize(_ string, value []byte) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (Bytes) Deserialize(_ string, data []byte) ([]byte, error) {
	return data, nil
}

// Proto serializes protobuf messages with deterministic marshaling
type Proto[T proto.Message] struct {
	newMessage func() T
}

// NewProto creates a serde for the message type built by newMessage
func NewProto[T proto.Message](newMessage func() T) *Proto[T] {
	return &Proto[T]{newMessage: newMessage}
}

func (p *Proto[T]) Serialize(topic string, value T) ([]byte, error) {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(value)
	if err != nil {
		return nil, errors.Serialization(fmt.Sprintf("failed to marshal message for topic %s", topic), err)
	}
	return data, nil
}

func (p *Proto[T]) Deserialize(topic string, data []byte) (T, error) {
	msg := p.newMessage()
	if err := proto.Unmarshal(data, msg); err != nil {
		var zero T
		return zero, errors.Serialization(fmt.Sprintf("failed to unmarshal message for topic %s", topic), err)
	}
	return msg, nil
}

// Int64Value is the protobuf serde used for counter aggregates
func Int64Value() *Proto[*wrapperspb.Int64Value] {
	return NewProto(func() *wrapperspb.Int64Value { return &wrapperspb.Int64Value{} })
}

// StringValue is the protobuf serde for string aggregates
func StringValue() *Proto[*wrapperspb.StringValue] {
	return NewProto(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} })
}
