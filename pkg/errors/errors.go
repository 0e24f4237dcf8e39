package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error types for fixture supervision and ACL transactions

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeProcess        ErrorType = "process"
	ErrorTypeProcessExit    ErrorType = "process_exit"
	ErrorTypeStartupTimeout ErrorType = "startup_timeout"
	ErrorTypeInvalidState   ErrorType = "invalid_state"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypePermission     ErrorType = "permission"
	ErrorTypeIO             ErrorType = "io"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeUnsupported    ErrorType = "unsupported"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeCancelled      ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, e.contextString())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *DomainError) contextString() string {
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
	}
	return strings.Join(parts, ", ")
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

// NewConfigurationError reports a fixture description that cannot be rendered into a launch command.
func NewConfigurationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfiguration, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

// Process errors
func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

// NewProcessExitError reports a fixture process that terminated before an intended stop.
func NewProcessExitError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcessExit, message, cause)
}

// NewStartupTimeoutError reports a readiness marker that was not observed in time.
func NewStartupTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStartupTimeout, message, cause)
}

// NewInvalidStateError reports an operation attempted from a state that does not allow it.
func NewInvalidStateError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInvalidState, message, cause)
}

// System errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

// NewNetworkOperationError reports a failed controller operation (commission, ACL read/write, session expiry).
func NewNetworkOperationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewUnsupportedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeUnsupported, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }
func IsConfigurationError(err error) bool { return isType(err, ErrorTypeConfiguration) }
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }
func IsProcessError(err error) bool { return isType(err, ErrorTypeProcess) }
func IsProcessExitError(err error) bool { return isType(err, ErrorTypeProcessExit) }
func IsStartupTimeoutError(err error) bool { return isType(err, ErrorTypeStartupTimeout) }
func IsInvalidStateError(err error) bool { return isType(err, ErrorTypeInvalidState) }
func IsTimeoutError(err error) bool { return isType(err, ErrorTypeTimeout) }
func IsPermissionError(err error) bool { return isType(err, ErrorTypePermission) }
func IsIOError(err error) bool { return isType(err, ErrorTypeIO) }
func IsNetworkError(err error) bool { return isType(err, ErrorTypeNetwork) }
func IsUnsupportedError(err error) bool { return isType(err, ErrorTypeUnsupported) }
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool { return isType(err, ErrorTypeCancelled) }

// ContextValue returns the context value stored under key by the first DomainError in the chain.
func ContextValue(err error, key string) (interface{}, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return nil, false
	}
	v, ok := domainErr.Context[key]
	return v, ok
}
