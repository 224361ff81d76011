package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for window store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeStoreNotOpen    ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidKey      ErrorCode = 1004
	ErrCodeInvalidRange    ErrorCode = 1005
	ErrCodeSerialization   ErrorCode = 1006

	// Internal errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeDecoding          ErrorCode = 2001
	ErrCodeListenerFailed    ErrorCode = 2002
	ErrCodeStoreIO           ErrorCode = 2003
	ErrCodeCorruptedData     ErrorCode = 2004
	ErrCodeChecksumFailed    ErrorCode = 2005
	ErrCodeSendFailed        ErrorCode = 2006
	ErrCodeProducerFenced    ErrorCode = 2007
	ErrCodeResourceExhausted ErrorCode = 2008
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge,
		ErrCodeInvalidKey, ErrCodeInvalidRange, ErrCodeSerialization:
		return codes.InvalidArgument
	case ErrCodeStoreNotOpen:
		return codes.FailedPrecondition
	case ErrCodeProducerFenced:
		return codes.Aborted
	case ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeChecksumFailed, ErrCodeCorruptedData, ErrCodeDecoding:
		return codes.DataLoss
	case ErrCodeStoreIO, ErrCodeSendFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func StoreNotOpen(store string) *StorageError {
	return NewStorageError(ErrCodeStoreNotOpen, fmt.Sprintf("store %s is not open", store), nil).
		WithDetail("store", store)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key: %s", reason), nil).
		WithDetail("reason", reason)
}

func InvalidRange(from, to int64, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidRange, fmt.Sprintf("invalid time range [%d, %d]: %s", from, to, reason), nil).
		WithDetail("time_from", from).
		WithDetail("time_to", to)
}

func Serialization(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeSerialization, message, cause)
}

func Decoding(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeDecoding, message, cause)
}

func ListenerFailed(namespace string, cause error) *StorageError {
	return NewStorageError(ErrCodeListenerFailed, fmt.Sprintf("flush listener for %s failed", namespace), cause).
		WithDetail("namespace", namespace)
}

func StoreIO(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStoreIO, message, cause)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func SendFailed(topic string, attempts int, cause error) *StorageError {
	return NewStorageError(ErrCodeSendFailed, fmt.Sprintf("failed to send record to topic %s after %d attempts", topic, attempts), cause).
		WithDetail("topic", topic).
		WithDetail("attempts", attempts)
}

func ProducerFenced(topic string, cause error) *StorageError {
	return NewStorageError(ErrCodeProducerFenced, fmt.Sprintf("producer fenced while sending to topic %s", topic), cause).
		WithDetail("topic", topic)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func ResourceExhausted(resource string, current, limit int) *StorageError {
	return NewStorageError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code of the outermost StorageError in the chain
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any StorageError in the chain carries the code
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if se, ok := err.(*StorageError); ok && se.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}
