// Package envelope turns control-bus samples into the outbound units sent
// to the downstream consumer, and parses the commands that come back.
package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Sentinel replaces every non-finite float (NaN, +Inf, -Inf) in a payload.
// JSON has no representation for them.
const Sentinel = "NaN"

// Envelope is one outbound unit. Serialized as JSON:
//
//	{"source": "...", "topic": "...", "payload": {...}, "timestamp": 1700000000.25}
//
// The timestamp is Unix seconds with sub-second precision.
type Envelope struct {
	Source    string
	Topic     string
	Payload   map[string]any
	Timestamp time.Time
}

type envelopeJSON struct {
	Source    string         `json:"source"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp float64        `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(envelopeJSON{
		Source:    e.Source,
		Topic:     e.Topic,
		Payload:   payload,
		Timestamp: UnixSeconds(e.Timestamp),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var j envelopeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.Source = j.Source
	e.Topic = j.Topic
	e.Payload = j.Payload
	e.Timestamp = FromUnixSeconds(j.Timestamp)
	return nil
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s/%s: %w", e.Source, e.Topic, err)
	}
	return data, nil
}

// Key identifies the stream an envelope belongs to. Used to store the last
// envelope per stream for initial-state replies.
func (e Envelope) Key() string {
	return e.Source + "." + e.Topic
}

// UnixSeconds converts t to fractional Unix seconds. The zero time maps to 0.
func UnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(s float64) time.Time {
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}
