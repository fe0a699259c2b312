package heartbeat

import (
	"sort"
	"time"
)

// Monitor tracks liveness of a set of sources with a consecutive-miss
// counter. It holds no locks: the owning relay loop is its only caller.
type Monitor struct {
	config  MonitorConfig
	records map[string]*Record
}

// NewMonitor creates a monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultMonitorConfig().CheckInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		config:  cfg,
		records: make(map[string]*Record),
	}, nil
}

// Config returns the monitor configuration.
func (m *Monitor) Config() MonitorConfig {
	return m.config
}

// Register starts monitoring source with the default timeout and
// threshold. The source is unknown until its first beat or until one
// timeout elapses from now. Registering an existing source is a no-op.
func (m *Monitor) Register(source string, now time.Time) {
	m.RegisterWith(source, now, m.config.Timeout, m.config.Threshold)
}

// RegisterWith registers source with its own timeout and threshold.
func (m *Monitor) RegisterWith(source string, now time.Time, timeout time.Duration, threshold int) {
	if _, ok := m.records[source]; ok {
		return
	}
	if timeout <= 0 {
		timeout = m.config.Timeout
	}
	if threshold <= 0 {
		threshold = m.config.Threshold
	}
	m.records[source] = &Record{
		Source:     source,
		Status:     StatusUnknown,
		Registered: now,
		Timeout:    timeout,
		Threshold:  threshold,
	}
}

// Unregister stops monitoring source.
func (m *Monitor) Unregister(source string) {
	delete(m.records, source)
}

// Record returns a copy of the record for source.
func (m *Monitor) Record(source string) (Record, bool) {
	r, ok := m.records[source]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Sources returns the monitored sources in sorted order.
func (m *Monitor) Sources() []string {
	out := make([]string, 0, len(m.records))
	for s := range m.records {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Observe records a beat from source at ts. The miss count resets. A lost
// source recovers to alive; unknown and suspect sources become alive. An
// unregistered source is registered first.
func (m *Monitor) Observe(source string, ts time.Time) []Event {
	r, ok := m.records[source]
	if !ok {
		m.Register(source, ts)
		r = m.records[source]
	}

	if ts.After(r.LastSeen) {
		r.LastSeen = ts
	}
	r.Misses = 0

	from := r.Status
	if from == StatusAlive {
		return nil
	}
	r.Status = StatusAlive

	kind := EventAlive
	if from == StatusLost {
		kind = EventRecovered
	}
	return []Event{m.event(r, kind, from, ts)}
}

// Tick re-evaluates every source at now. Misses are whole timeouts elapsed
// since the last beat, or since registration for a source never seen.
func (m *Monitor) Tick(now time.Time) []Event {
	var events []Event
	for _, source := range m.Sources() {
		r := m.records[source]

		ref := r.LastSeen
		if ref.IsZero() {
			ref = r.Registered
		}
		misses := 0
		if elapsed := now.Sub(ref); elapsed > 0 {
			misses = int(elapsed / r.Timeout)
		}
		if misses == r.Misses {
			continue
		}
		r.Misses = misses

		from := r.Status
		to := from
		switch {
		case misses >= r.Threshold:
			to = StatusLost
		case misses > 0:
			to = StatusSuspect
		}

		if to == from {
			events = append(events, m.event(r, EventMissed, from, now))
			continue
		}
		r.Status = to
		kind := EventSuspect
		if to == StatusLost {
			kind = EventLost
		}
		events = append(events, m.event(r, kind, from, now))
	}
	return events
}

func (m *Monitor) event(r *Record, kind EventKind, from Status, at time.Time) Event {
	return Event{
		Source:    r.Source,
		Kind:      kind,
		From:      from,
		To:        r.Status,
		Misses:    r.Misses,
		Threshold: r.Threshold,
		LastSeen:  r.LastSeen,
		At:        at,
	}
}
