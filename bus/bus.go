// Package bus provides control-bus clients for the relays.
//
// The MessageBus interface covers the three primitives the bridge consumes:
// subscribe to a stream of samples, read the latest sample on a subject, and
// send a command and wait for its acknowledgement. All implementations use
// channel-based APIs.
package bus

import (
	"errors"
	"strings"
	"time"

	bridgeerr "github.com/vinayprograms/lovebridge/errors"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrNoSample       = errors.New("no sample on subject")
)

func init() {
	bridgeerr.RegisterCause(ErrTimeout, bridgeerr.ErrCodeTimeout)
	bridgeerr.RegisterCause(ErrNoResponders, bridgeerr.ErrCodeBusUnavailable)
	bridgeerr.RegisterCause(ErrClosed, bridgeerr.ErrCodeBusUnavailable)
	bridgeerr.RegisterCause(ErrInvalidSubject, bridgeerr.ErrCodeInvalidInput)
	bridgeerr.RegisterCause(ErrNoSample, bridgeerr.ErrCodeNotFound)
}

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Reply is the reply subject for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string

	// Received is when the bus client took delivery of the message.
	Received time.Time
}

// MessageBus provides the control-bus primitives used by the relays.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject. Wildcards '*' (one
	// token) and '>' (tail) are accepted. Messages arrive in bus order.
	Subscribe(subject string) (Subscription, error)

	// ReadLatest returns the most recent message on a concrete subject.
	// Returns ErrNoSample if nothing has been published there.
	ReadLatest(subject string) (*Message, error)

	// Request sends a command and waits for a single acknowledgement.
	// Returns ErrTimeout if no reply within timeout.
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error

	// Dropped returns how many messages were discarded because the
	// subscriber fell behind and the buffer was full.
	Dropped() uint64
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// Subject joins a topic and a discriminator into a bus subject.
// An empty discriminator yields the topic itself.
func Subject(topic, discriminator string) string {
	if discriminator == "" {
		return topic
	}
	return topic + "." + discriminator
}

// ValidateSubject checks if a subject is valid: non-empty dot-separated
// tokens, no whitespace, and '>' only as the final token.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// IsWildcard reports whether a subject contains wildcard tokens.
func IsWildcard(subject string) bool {
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

// MatchSubject reports whether a concrete subject matches a pattern using
// NATS wildcard rules.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
