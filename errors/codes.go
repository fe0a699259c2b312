package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: websocket dial failure, bus briefly unreachable.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown job id, undecodable sample, missing endpoint.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	// Examples: outbound buffer full.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for bridge failure scenarios.
const (
	// Transient errors
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED" // Dial, auth or write failure on the outbound stream
	ErrCodeBusUnavailable   ErrorCode = "BUS_UNAVAILABLE"   // Control bus has no publisher or responder
	ErrCodeTimeout          ErrorCode = "TIMEOUT"           // Operation timed out

	// Permanent errors
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"        // Unknown entity
	ErrCodeMalformedSample ErrorCode = "MALFORMED_SAMPLE" // Sample payload failed to decode
	ErrCodeConfigInvalid   ErrorCode = "CONFIG_INVALID"   // Missing or invalid configuration
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"    // Malformed inbound command
	ErrCodeUnsupported     ErrorCode = "UNSUPPORTED"      // Unknown command type
	ErrCodeCanceled        ErrorCode = "CANCELED"         // Operation was canceled

	// Resource errors
	ErrCodeBufferFull ErrorCode = "BUFFER_FULL" // Outbound buffer at capacity

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic in a handler
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeConnectionFailed, ErrCodeBusUnavailable, ErrCodeTimeout:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeMalformedSample, ErrCodeConfigInvalid,
		ErrCodeInvalidInput, ErrCodeUnsupported, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeBufferFull:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// IsFatal reports whether the code must terminate the process.
// Only configuration errors are fatal; everything else stays inside its relay.
func (c ErrorCode) IsFatal() bool {
	return c == ErrCodeConfigInvalid
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeConnectionFailed: "outbound connection failed",
	ErrCodeBusUnavailable:   "control bus unavailable",
	ErrCodeTimeout:          "operation timed out",
	ErrCodeNotFound:         "entity not found",
	ErrCodeMalformedSample:  "malformed sample",
	ErrCodeConfigInvalid:    "invalid configuration",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeUnsupported:      "operation not supported",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeBufferFull:       "outbound buffer full",
	ErrCodeInternal:         "internal error",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
