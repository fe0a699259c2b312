package heartbeat

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Sentinel timestamps reported downstream in place of a real beat time.
const (
	// NeverReceived marks a source that has not sent a beat yet.
	NeverReceived = -1

	// NoHeartbeatEvent marks a source whose topic has no heartbeat event.
	NoHeartbeatEvent = -2
)

// Status is the liveness state of a monitored source.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusAlive   Status = "alive"
	StatusSuspect Status = "suspect"
	StatusLost    Status = "lost"
)

// EventKind classifies a monitor event.
type EventKind string

const (
	// EventAlive: first beat, or beat after suspect.
	EventAlive EventKind = "alive"

	// EventSuspect: at least one timeout elapsed without a beat.
	EventSuspect EventKind = "suspect"

	// EventLost: miss count reached the threshold. Emitted once per transition.
	EventLost EventKind = "lost"

	// EventRecovered: beat received while lost.
	EventRecovered EventKind = "recovered"

	// EventMissed: miss count changed without a state change.
	EventMissed EventKind = "missed"
)

// Event reports a change in a source's record.
type Event struct {
	Source    string
	Kind      EventKind
	From      Status
	To        Status
	Misses    int
	Threshold int
	LastSeen  time.Time // zero if never seen
	At        time.Time
}

// LastSeenSeconds returns the last beat as Unix seconds, or NeverReceived.
func (e Event) LastSeenSeconds() float64 {
	if e.LastSeen.IsZero() {
		return NeverReceived
	}
	return float64(e.LastSeen.Unix()) + float64(e.LastSeen.Nanosecond())/1e9
}

// Record is the per-source monitor state.
type Record struct {
	Source     string
	Status     Status
	LastSeen   time.Time
	Registered time.Time
	Misses     int
	Timeout    time.Duration
	Threshold  int
}

// Beat is one liveness signal emitted by a Sender.
type Beat struct {
	Source    string
	Sequence  uint64
	Timestamp time.Time
}

// Payload renders the beat for a liveness envelope.
func (b Beat) Payload() map[string]any {
	return map[string]any{
		"source":    b.Source,
		"sequence":  b.Sequence,
		"heartbeat": float64(b.Timestamp.Unix()) + float64(b.Timestamp.Nanosecond())/1e9,
	}
}

// SendFunc delivers one beat. A non-nil error counts as a failed interval.
type SendFunc func(ctx context.Context, beat Beat) error

// SenderConfig configures a liveness sender.
type SenderConfig struct {
	// Source identifies the sender.
	Source string

	// Interval between beats.
	// Default: 5 seconds
	Interval time.Duration

	// MaxFailures is the number of consecutive failed sends that triggers
	// OnEscalate. Default: 3
	MaxFailures int

	// Send delivers a beat.
	Send SendFunc

	// OnEscalate is called when MaxFailures consecutive sends fail. The
	// failure count restarts afterwards.
	OnEscalate func(failures int)
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Send == nil {
		return ErrInvalidConfig
	}
	if c.Source == "" {
		return ErrInvalidConfig
	}
	if c.Interval < 0 || c.MaxFailures < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:    5 * time.Second,
		MaxFailures: 3,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Timeout is the expected beat interval. Each elapsed timeout without a
	// beat counts as one miss.
	// Default: 15 seconds
	Timeout time.Duration

	// Threshold is the miss count at which a source is lost.
	// Default: 5
	Threshold int

	// CheckInterval is how often the owner should call Tick.
	// Default: 1 second
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Timeout <= 0 || c.Threshold <= 0 || c.CheckInterval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		Threshold:     5,
		CheckInterval: 1 * time.Second,
	}
}
