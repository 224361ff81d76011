package validation

import (
	"bytes"
	"fmt"

	"github.com/devrev/pairdb/windowstore/internal/errors"
)

const (
	// Size limits
	MaxKeySize   = 1024             // 1 KB
	MaxValueSize = 10 * 1024 * 1024 // 10 MB
)

// Validator validates window store operations
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidatePut validates a put of value under (key, timestamp)
func (v *Validator) ValidatePut(key, value []byte, timestamp int64) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	if err := v.ValidateValue(value); err != nil {
		return err
	}
	return v.ValidateTimestamp(timestamp)
}

// ValidateKey validates a serialized record key. Any byte is allowed.
func (v *Validator) ValidateKey(key []byte) error {
	if len(key) == 0 {
		return errors.InvalidKey("serialized key cannot be empty")
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	return nil
}

// ValidateValue validates a serialized value. nil is a delete.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}

// ValidateTimestamp rejects negative window start timestamps
func (v *Validator) ValidateTimestamp(timestamp int64) error {
	if timestamp < 0 {
		return errors.InvalidArgument(fmt.Sprintf("timestamp must be non-negative, got %d", timestamp), nil).
			WithDetail("timestamp", timestamp)
	}
	return nil
}

// ValidateTimeRange reports an inverted time range
func (v *Validator) ValidateTimeRange(from, to int64) error {
	if from > to {
		return errors.InvalidRange(from, to, "time from is after time to")
	}
	return nil
}

// ValidateKeyRange validates both bounds of a key range and reports an
// inverted range
func (v *Validator) ValidateKeyRange(keyFrom, keyTo []byte) error {
	if err := v.ValidateKey(keyFrom); err != nil {
		return err
	}
	if err := v.ValidateKey(keyTo); err != nil {
		return err
	}
	if bytes.Compare(keyFrom, keyTo) > 0 {
		return errors.InvalidArgument("key from is greater than key to", nil).
			WithDetail("key_from", string(keyFrom)).
			WithDetail("key_to", string(keyTo))
	}
	return nil
}
