package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// causeCode maps a sentinel found in an error chain to a bridge code.
type causeCode struct {
	target error
	code   ErrorCode
}

var (
	causesMu sync.RWMutex
	causes   = []causeCode{
		{context.DeadlineExceeded, ErrCodeTimeout},
		{context.Canceled, ErrCodeCanceled},
		{io.ErrUnexpectedEOF, ErrCodeConnectionFailed},
		{io.EOF, ErrCodeConnectionFailed},
		{net.ErrClosed, ErrCodeConnectionFailed},
	}
)

// RegisterCause makes Wrap classify errors matching target as code.
// Packages owning sentinel errors register them from init. Later
// registrations win over earlier ones.
func RegisterCause(target error, code ErrorCode) {
	causesMu.Lock()
	defer causesMu.Unlock()
	causes = append([]causeCode{{target, code}}, causes...)
}

// Classify returns the bridge code for err. A bridge error keeps its own
// code; otherwise registered sentinels, network timeouts and dial failures
// are recognized. Anything else is INTERNAL.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.code
	}

	causesMu.RLock()
	for _, c := range causes {
		if errors.Is(err, c.target) {
			causesMu.RUnlock()
			return c.code
		}
	}
	causesMu.RUnlock()

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrCodeTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ErrCodeConnectionFailed
	}
	return ErrCodeInternal
}

// Wrap adds a message to err and keeps the chain. A bridge error carries
// its code, category, metadata and relay over; any other error is coded
// by Classify. Wrap(nil) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var be *Error
	if !errors.As(err, &be) {
		return New(Classify(err), message, append(opts, WithCause(err))...)
	}

	wrapped := &Error{
		code:      be.code,
		category:  be.category,
		message:   message,
		cause:     err,
		metadata:  be.Metadata(),
		retryable: be.retryable,
		timestamp: be.timestamp,
		relay:     be.relay,
	}
	for _, opt := range opts {
		opt(wrapped)
	}
	return wrapped
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsBridgeError extracts a BridgeError from an error chain, or nil.
func AsBridgeError(err error) BridgeError {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// Is reports whether the outermost bridge error in the chain has code.
func Is(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.code == code
	}
	return false
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return Code(err).IsFatal()
}

// Code extracts the error code, or "" when err carries none.
func Code(err error) ErrorCode {
	var be *Error
	if errors.As(err, &be) {
		return be.code
	}
	return ""
}

// RecoverPanic converts a recovered panic value into a PANIC error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
