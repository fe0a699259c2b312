package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Common errors.
var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("not connected")
	ErrInvalidURL   = errors.New("invalid endpoint url")
)

// State is the lifecycle state of the outbound connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange describes one transition of the outbound connection.
type StateChange struct {
	From    State
	To      State
	Attempt int           // consecutive failed attempts so far
	Delay   time.Duration // wait before the next attempt, when reconnecting
	Session string        // session id, when connected
	Err     error         // cause, when leaving connected or failing to dial
	At      time.Time
}

// Connection is one outbound stream session. It is created on every
// successful dial and never reused.
type Connection struct {
	ID           string
	Endpoint     string
	Credential   string
	State        State
	LastActivity time.Time
	Established  time.Time
}

// Stats are the observable counters of a Manager.
type Stats struct {
	Sent       uint64 // envelopes written
	Buffered   int    // envelopes waiting in the ring
	Dropped    uint64 // newest envelopes rejected because the buffer was full
	Failed     uint64 // in-flight envelopes lost to a write error
	Reconnects uint64 // successful connections after the first
	Malformed  uint64 // inbound frames that failed to parse
	Heartbeats uint64 // liveness envelopes written
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config holds Manager configuration.
type Config struct {
	// URL is the downstream endpoint, e.g. "ws://love-manager/manager/ws/subscription".
	// A bare host is accepted and gets the ws scheme.
	URL string

	// Credential is sent as the password query parameter.
	Credential string

	// Source identifies this producer in liveness envelopes.
	Source string

	// Backoff bounds the reconnect delay.
	Backoff BackoffConfig

	// HeartbeatInterval is the liveness envelope period (0 = disabled).
	HeartbeatInterval time.Duration

	// HeartbeatMaxFailures is the number of consecutive failed liveness
	// sends that forces a reconnect.
	HeartbeatMaxFailures int

	// BufferSize bounds envelopes held while disconnected.
	BufferSize int

	// RecvBufferSize bounds inbound commands waiting for the relay.
	RecvBufferSize int

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration

	// ShutdownTimeout bounds the drain on Close when ctx has no deadline.
	ShutdownTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// MaxSendRate limits outbound envelopes per second (0 = unlimited).
	MaxSendRate float64

	// SendBurst is the rate limiter burst.
	SendBurst int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:              DefaultBackoffConfig(),
		HeartbeatInterval:    5 * time.Second,
		HeartbeatMaxFailures: 3,
		BufferSize:           1000,
		RecvBufferSize:       100,
		WriteTimeout:         10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ShutdownTimeout:      5 * time.Second,
		MaxMessageSize:       1024 * 1024, // 1MB
		SendBurst:            50,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Backoff.Min <= 0 {
		c.Backoff.Min = d.Backoff.Min
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		c.Backoff.Jitter = 0
	}
	if c.HeartbeatMaxFailures <= 0 {
		c.HeartbeatMaxFailures = d.HeartbeatMaxFailures
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBurst <= 0 {
		c.SendBurst = d.SendBurst
	}
}
