// Package errors provides the structured error taxonomy used across the
// bridge. Every failure a relay can observe maps to one code, and the code
// decides how the failure is handled.
//
// # Error Categories
//
//   - Transient: connection and bus failures, retried with backoff
//   - Permanent: unknown entities, malformed samples, bad configuration
//   - Resource: outbound buffer exhaustion
//   - Internal: recovered panics and bugs
//
// # Containment
//
// Per-sample and per-connection failures stay inside their relay. Only
// CONFIG_INVALID is fatal; the process exits without retry.
//
//	err := errors.NotFound("job 12 not tracked")
//	if errors.Is(err, errors.ErrCodeNotFound) {
//		// reply with a not-found envelope
//	}
package errors
