package heartbeat

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{Timeout: 5 * time.Second, Threshold: 3})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	return m
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// --- Unit Tests ---

func TestMonitorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MonitorConfig
		wantErr bool
	}{
		{"valid", MonitorConfig{Timeout: time.Second, Threshold: 1}, false},
		{"zero timeout", MonitorConfig{Threshold: 1}, true},
		{"zero threshold", MonitorConfig{Timeout: time.Second}, true},
		{"negative check interval", MonitorConfig{Timeout: time.Second, Threshold: 1, CheckInterval: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMonitor_UnknownUntilFirstTimeout(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("ATDome:0", at(0))

	if events := m.Tick(at(4.9)); len(events) != 0 {
		t.Errorf("Tick before timeout = %v, want no events", events)
	}
	r, _ := m.Record("ATDome:0")
	if r.Status != StatusUnknown {
		t.Errorf("Status = %s, want %s", r.Status, StatusUnknown)
	}

	events := m.Tick(at(5))
	if len(events) != 1 || events[0].Kind != EventSuspect {
		t.Fatalf("Tick at timeout = %+v, want one suspect event", events)
	}
	if events[0].From != StatusUnknown {
		t.Errorf("From = %s, want %s", events[0].From, StatusUnknown)
	}
	if events[0].LastSeenSeconds() != NeverReceived {
		t.Errorf("LastSeenSeconds = %v, want %v", events[0].LastSeenSeconds(), NeverReceived)
	}
}

func TestMonitor_LostExactlyOnce(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("ATDome:0", at(0))
	m.Observe("ATDome:0", at(0))

	var all []Event
	for s := 0.5; s <= 30; s += 0.5 {
		all = append(all, m.Tick(at(s))...)
	}

	if n := countKind(all, EventLost); n != 1 {
		t.Errorf("lost events = %d, want 1", n)
	}

	var lostAt time.Time
	for _, e := range all {
		if e.Kind == EventLost {
			lostAt = e.At
			if e.Misses != 3 {
				t.Errorf("Misses at lost = %d, want 3", e.Misses)
			}
		}
	}
	if !lostAt.Equal(at(15)) {
		t.Errorf("lost at %v, want %v", lostAt.Sub(t0), 15*time.Second)
	}

	r, _ := m.Record("ATDome:0")
	if r.Status != StatusLost {
		t.Errorf("Status = %s, want %s", r.Status, StatusLost)
	}
	if r.Misses != 6 {
		t.Errorf("Misses = %d, want 6", r.Misses)
	}
}

func TestMonitor_MissCountEvents(t *testing.T) {
	m := newTestMonitor(t)
	m.Observe("ATDome:0", at(0))

	var kinds []EventKind
	for _, s := range []float64{5, 7, 10, 15, 20} {
		for _, e := range m.Tick(at(s)) {
			kinds = append(kinds, e.Kind)
		}
	}

	want := []EventKind{EventSuspect, EventMissed, EventLost, EventMissed}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestMonitor_Recovery(t *testing.T) {
	m := newTestMonitor(t)
	m.Observe("ATDome:0", at(0))
	m.Tick(at(16))

	events := m.Observe("ATDome:0", at(17))
	if len(events) != 1 || events[0].Kind != EventRecovered {
		t.Fatalf("Observe after lost = %+v, want one recovered event", events)
	}
	if events[0].Misses != 0 {
		t.Errorf("Misses = %d, want 0", events[0].Misses)
	}

	// A second loss is reported again.
	events = m.Tick(at(32))
	if countKind(events, EventLost) != 1 {
		t.Errorf("second loss events = %+v, want one lost", events)
	}
}

func TestMonitor_SuspectBackToAlive(t *testing.T) {
	m := newTestMonitor(t)
	m.Observe("ATDome:0", at(0))
	m.Tick(at(6))

	events := m.Observe("ATDome:0", at(7))
	if len(events) != 1 || events[0].Kind != EventAlive {
		t.Fatalf("Observe after suspect = %+v, want one alive event", events)
	}
	if events := m.Observe("ATDome:0", at(8)); len(events) != 0 {
		t.Errorf("Observe while alive = %+v, want none", events)
	}
	if events := m.Tick(at(11)); len(events) != 0 {
		t.Errorf("Tick inside timeout = %+v, want none", events)
	}
}

func TestMonitor_StaleBeatKeepsLatest(t *testing.T) {
	m := newTestMonitor(t)
	m.Observe("ATDome:0", at(10))
	m.Observe("ATDome:0", at(3))

	r, _ := m.Record("ATDome:0")
	if !r.LastSeen.Equal(at(10)) {
		t.Errorf("LastSeen = %v, want %v", r.LastSeen, at(10))
	}
}

func TestMonitor_PerSourceOverrides(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterWith("MTMount:0", at(0), 2*time.Second, 1)
	m.Register("ATDome:0", at(0))

	events := m.Tick(at(2))
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one", events)
	}
	if events[0].Source != "MTMount:0" || events[0].Kind != EventLost {
		t.Errorf("event = %+v, want MTMount:0 lost", events[0])
	}
}

func TestMonitor_RegisterIdempotent(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("ATDome:0", at(0))
	m.Register("ATDome:0", at(100))

	r, _ := m.Record("ATDome:0")
	if !r.Registered.Equal(at(0)) {
		t.Errorf("Registered = %v, want %v", r.Registered, at(0))
	}
}

func TestMonitor_Unregister(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("ATDome:0", at(0))
	m.Unregister("ATDome:0")

	if _, ok := m.Record("ATDome:0"); ok {
		t.Error("record still present after Unregister")
	}
	if events := m.Tick(at(100)); len(events) != 0 {
		t.Errorf("Tick = %+v, want none", events)
	}
}

func TestMonitor_Sources(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("b", at(0))
	m.Register("a", at(0))

	got := m.Sources()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Sources = %v, want [a b]", got)
	}
}
