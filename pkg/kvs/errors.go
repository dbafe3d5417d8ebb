package kvs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for empty or oversized keys and values
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned when a key is absent or deleted
	ErrNotFound = errors.New("key not found")
	// ErrAlreadyExists is the class of errors for keys that clash with stored ones
	ErrAlreadyExists = errors.New("already exists")
	// ErrHashCollision is returned when a key's hash belongs to a different stored key
	ErrHashCollision = fmt.Errorf("%w: key hash collision", ErrAlreadyExists)
	// ErrResourceExhausted is returned when there is no room left, even after garbage collection
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrBufferTooSmall is returned by Get when the value did not fit in the buffer
	ErrBufferTooSmall = fmt.Errorf("%w: buffer too small for value", ErrResourceExhausted)
	// ErrDataLoss is returned when stored data fails verification
	ErrDataLoss = errors.New("data loss")
	// ErrFailedPrecondition is returned for operations not allowed in the current state
	ErrFailedPrecondition = errors.New("failed precondition")
	// ErrOutOfRange is returned when a read offset is past the end of the value
	ErrOutOfRange = errors.New("out of range")
	// ErrInternal is returned when the store's bookkeeping is inconsistent
	ErrInternal = errors.New("internal error")
)
