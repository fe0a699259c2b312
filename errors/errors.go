package errors

import (
	"fmt"
	"time"
)

// BridgeError is the interface for structured errors raised by the bridge.
type BridgeError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Payload renders the error for a command error envelope.
	Payload() map[string]any
}

// Error is the concrete implementation of BridgeError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	relay     string // relay that raised the error, if applicable
}

var _ BridgeError = (*Error)(nil)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Message returns the message without the cause.
func (e *Error) Message() string {
	return e.message
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Relay returns the relay that raised the error, if set.
func (e *Error) Relay() string {
	return e.relay
}

// Payload renders the error for a command error envelope. Metadata goes
// under "details" when present.
func (e *Error) Payload() map[string]any {
	p := map[string]any{
		"code":      string(e.code),
		"message":   e.Error(),
		"retryable": e.Retryable(),
	}
	if len(e.metadata) > 0 {
		details := make(map[string]any, len(e.metadata))
		for k, v := range e.metadata {
			details[k] = v
		}
		p["details"] = details
	}
	if e.relay != "" {
		p["relay"] = e.relay
	}
	return p
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRelay records the relay that raised the error.
func WithRelay(name string) Option {
	return func(e *Error) {
		e.relay = name
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// MalformedSample creates a malformed sample error for the given subject.
func MalformedSample(subject string, cause error) *Error {
	return New(ErrCodeMalformedSample, "malformed sample on "+subject,
		WithCause(cause), WithMetadata("subject", subject))
}

// ConfigInvalid creates a fatal configuration error.
func ConfigInvalid(message string, opts ...Option) *Error {
	return New(ErrCodeConfigInvalid, message, opts...)
}

// ConnectionFailed creates a transient connection error.
func ConnectionFailed(endpoint string, cause error) *Error {
	return New(ErrCodeConnectionFailed, "connection to "+endpoint+" failed",
		WithCause(cause), WithMetadata("endpoint", endpoint))
}

// BusUnavailable creates a bus unavailable error.
func BusUnavailable(subject string, cause error) *Error {
	return New(ErrCodeBusUnavailable, "bus unavailable on "+subject,
		WithCause(cause), WithMetadata("subject", subject))
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
