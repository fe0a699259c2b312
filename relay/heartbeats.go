package relay

import (
	"time"

	"github.com/vinayprograms/lovebridge/envelope"
	"github.com/vinayprograms/lovebridge/heartbeat"
	"github.com/vinayprograms/lovebridge/registry"
)

// HeartbeatTopic is the envelope topic of component liveness reports.
const HeartbeatTopic = "heartbeat"

// HeartbeatsConfig configures the heartbeat relay.
type HeartbeatsConfig struct {
	Components []Component

	// Monitor sets the beat timeout and the lost threshold.
	Monitor heartbeat.MonitorConfig

	// ReportInterval re-sends every record even without a change, so the
	// consumer sees last_heartbeat_timestamp advance.
	// Default: Monitor.Timeout
	ReportInterval time.Duration
}

// Heartbeats watches the heartbeat event of each component and reports
// liveness transitions downstream.
type Heartbeats struct {
	config     HeartbeatsConfig
	loop       *Loop
	monitor    *heartbeat.Monitor
	components map[string]Component // by source
	lastReport time.Time
}

// NewHeartbeats creates the heartbeat relay.
func NewHeartbeats(cfg HeartbeatsConfig) (*Heartbeats, error) {
	m, err := heartbeat.NewMonitor(cfg.Monitor)
	if err != nil {
		return nil, err
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = m.Config().Timeout
	}
	h := &Heartbeats{
		config:     cfg,
		monitor:    m,
		components: make(map[string]Component, len(cfg.Components)),
	}
	for _, c := range cfg.Components {
		h.components[c.Source()] = c
	}
	return h, nil
}

// Setup registers each component with the monitor and subscribes its
// heartbeat event.
func (h *Heartbeats) Setup(l *Loop) error {
	h.loop = l
	now := l.Now()
	h.lastReport = now

	for _, c := range h.config.Components {
		source := c.Source()
		h.monitor.Register(source, now)
		topic := BusTopic(KindEvents, c.Name, "heartbeat")
		if err := l.Registry().Subscribe(topic, c.Discriminator(), h.onBeat(source)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Heartbeats) onBeat(source string) registry.Callback {
	return func(d registry.Delivery) {
		if _, err := envelope.DecodeMessage(d.Topic, d.Message); err != nil {
			h.loop.Malformed(d.Message.Subject, err)
			return
		}
		h.report(h.monitor.Observe(source, h.loop.Now()))
	}
}

// Tick advances miss counts and re-sends all records every ReportInterval.
func (h *Heartbeats) Tick(now time.Time) {
	h.report(h.monitor.Tick(now))

	if now.Sub(h.lastReport) >= h.config.ReportInterval {
		h.lastReport = now
		h.publishAll()
	}
}

// Flush does nothing; transitions are published as they happen.
func (h *Heartbeats) Flush() {}

// Connected sends the current record of every component.
func (h *Heartbeats) Connected() {
	h.publishAll()
}

func (h *Heartbeats) report(events []heartbeat.Event) {
	for _, e := range events {
		if e.From != e.To {
			h.loop.Logger().HeartbeatTransition(e.Source, string(e.From), string(e.To), e.Misses)
		}
		if rec, ok := h.monitor.Record(e.Source); ok {
			h.publish(rec, e.At)
		}
	}
}

func (h *Heartbeats) publishAll() {
	now := h.loop.Now()
	for _, source := range h.monitor.Sources() {
		if rec, ok := h.monitor.Record(source); ok {
			h.publish(rec, now)
		}
	}
}

func (h *Heartbeats) publish(rec heartbeat.Record, at time.Time) {
	c, ok := h.components[rec.Source]
	if !ok {
		return
	}
	h.loop.Publish(envelope.Envelope{
		Source:    rec.Source,
		Topic:     HeartbeatTopic,
		Payload:   HeartbeatPayload(c, rec),
		Timestamp: at,
	})
}

// HeartbeatPayload renders a monitor record in the consumer's shape.
func HeartbeatPayload(c Component, rec heartbeat.Record) map[string]any {
	last := float64(heartbeat.NeverReceived)
	if !rec.LastSeen.IsZero() {
		last = envelope.UnixSeconds(rec.LastSeen)
	}
	return map[string]any{
		"csc":                      c.Name,
		"salindex":                 c.Index,
		"lost":                     rec.Misses,
		"last_heartbeat_timestamp": last,
		"max_lost_heartbeats":      rec.Threshold,
		"status":                   string(rec.Status),
	}
}
