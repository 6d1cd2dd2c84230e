package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

type ErrorCategory string

const (
	CategoryConfig    ErrorCategory = "CONFIG"    // Bad metadata or options, fatal
	CategoryIO        ErrorCategory = "IO"        // File system issues, fatal
	CategoryResume    ErrorCategory = "RESUME"    // Control file cannot be reconciled, fatal
	CategoryIntegrity ErrorCategory = "INTEGRITY" // Checksum mismatch, range is re-fetched
	CategoryNetwork   ErrorCategory = "NETWORK"   // Connection issues
	CategoryContext   ErrorCategory = "CONTEXT"   // Context cancellation
	CategoryUnknown   ErrorCategory = "UNKNOWN"   // Unclassified errors
)

// TransferError represents an error that occurred while moving data for a transfer.
type TransferError struct {
	Err       error         // Original error
	Category  ErrorCategory // General category
	Retryable bool          // Whether retry is recommended
	Timestamp time.Time     // When the error occurred
	Resource  string        // What resource was being accessed
	Details   map[string]interface{}
}

// Error implements the error interface
func (e *TransferError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Resource, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping (compatible with errors.As)
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInsufficientChecksums = New("insufficient checksums for declared length")
	ErrUnknownHashAlgorithm  = New("unknown hash algorithm")
	ErrResumeMismatch        = New("control file does not match transfer")
	ErrCorruptControlFile    = New("corrupt control file")
	ErrVerificationFailed    = New("checksum verification failed")
)

func newError(err error, category ErrorCategory, resource string, retryable bool) *TransferError {
	return &TransferError{
		Err:       err,
		Category:  category,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewConfigError creates a fatal configuration error.
func NewConfigError(err error, resource string) *TransferError {
	return newError(err, CategoryConfig, resource, false)
}

// NewIOError creates an I/O related error
func NewIOError(err error, resource string) *TransferError {
	// I/O errors abort the session
	return newError(err, CategoryIO, resource, false)
}

// NewResumeError creates an error for control files that cannot be trusted.
func NewResumeError(err error, resource string) *TransferError {
	return newError(err, CategoryResume, resource, false)
}

// NewIntegrityError creates an error for a region that failed verification.
func NewIntegrityError(resource string, firstUnit, lastUnit int) *TransferError {
	e := newError(ErrVerificationFailed, CategoryIntegrity, resource, true)
	e.Details = map[string]interface{}{
		"firstUnit": firstUnit,
		"lastUnit":  lastUnit,
	}

	return e
}

// NewNetworkError creates a network-related error
func NewNetworkError(err error, resource string, retryable bool) *TransferError {
	return newError(err, CategoryNetwork, resource, retryable)
}

// NewContextError creates a context cancellation error
func NewContextError(err error, resource string) *TransferError {
	return newError(err, CategoryContext, resource, false)
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var transferErr *TransferError
	if As(err, &transferErr) {
		return transferErr.Retryable
	}

	return false
}

// IsFatal reports whether err must abort the transfer session.
func IsFatal(err error) bool {
	var transferErr *TransferError
	if !As(err, &transferErr) {
		return false
	}

	switch transferErr.Category {
	case CategoryConfig, CategoryIO, CategoryResume:
		return true
	default:
		return false
	}
}

// IsIntegrityError determines if the error reports a checksum mismatch
func IsIntegrityError(err error) bool {
	var transferErr *TransferError
	return As(err, &transferErr) && transferErr.Category == CategoryIntegrity
}

// IsIOError determines if the error is I/O related
func IsIOError(err error) bool {
	var transferErr *TransferError
	return As(err, &transferErr) && transferErr.Category == CategoryIO
}

// WithDetails adds additional context to a TransferError
func WithDetails(err error, details map[string]interface{}) error {
	var transferErr *TransferError
	if !As(err, &transferErr) {
		return err
	}

	if transferErr.Details == nil {
		transferErr.Details = make(map[string]interface{})
	}

	for k, v := range details {
		transferErr.Details[k] = v
	}

	return transferErr
}
