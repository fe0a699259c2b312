package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSend struct {
	mu    sync.Mutex
	beats []Beat
	fail  atomic.Bool
}

func (r *recordingSend) send(_ context.Context, b Beat) error {
	if r.fail.Load() {
		return errors.New("write failed")
	}
	r.mu.Lock()
	r.beats = append(r.beats, b)
	r.mu.Unlock()
	return nil
}

func (r *recordingSend) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.beats)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// --- Unit Tests ---

func TestSenderConfig_Validate(t *testing.T) {
	noop := func(context.Context, Beat) error { return nil }

	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Source: "lovebridge", Send: noop}, false},
		{"missing send", SenderConfig{Source: "lovebridge"}, true},
		{"missing source", SenderConfig{Send: noop}, true},
		{"negative interval", SenderConfig{Source: "lovebridge", Send: noop, Interval: -1}, true},
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

func TestBeat_Payload(t *testing.T) {
	b := Beat{Source: "lovebridge", Sequence: 7, Timestamp: time.Unix(1700000000, 500000000)}
	p := b.Payload()

	if p["source"] != "lovebridge" {
		t.Errorf("source = %v, want lovebridge", p["source"])
	}
	if p["sequence"] != uint64(7) {
		t.Errorf("sequence = %v, want 7", p["sequence"])
	}
	if p["heartbeat"] != 1700000000.5 {
		t.Errorf("heartbeat = %v, want 1700000000.5", p["heartbeat"])
	}
}

func TestSender_SendsImmediatelyAndPeriodically(t *testing.T) {
	rec := &recordingSend{}
	s, err := NewSender(SenderConfig{Source: "lovebridge", Interval: 10 * time.Millisecond, Send: rec.send})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rec.count() >= 3 })
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, b := range rec.beats {
		if b.Sequence != uint64(i+1) {
			t.Errorf("beat %d sequence = %d, want %d", i, b.Sequence, i+1)
		}
		if b.Source != "lovebridge" {
			t.Errorf("beat %d source = %q", i, b.Source)
		}
	}
}

func TestSender_StartTwice(t *testing.T) {
	rec := &recordingSend{}
	s, _ := NewSender(SenderConfig{Source: "lovebridge", Interval: time.Hour, Send: rec.send})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestSender_StopNotStarted(t *testing.T) {
	s, _ := NewSender(SenderConfig{Source: "lovebridge", Send: (&recordingSend{}).send})
	if err := s.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop = %v, want ErrNotStarted", err)
	}
}

func TestSender_EscalatesAfterConsecutiveFailures(t *testing.T) {
	rec := &recordingSend{}
	rec.fail.Store(true)

	var escalations atomic.Int32
	var lastCount atomic.Int32
	s, _ := NewSender(SenderConfig{
		Source:      "lovebridge",
		Interval:    5 * time.Millisecond,
		MaxFailures: 3,
		Send:        rec.send,
		OnEscalate: func(n int) {
			lastCount.Store(int32(n))
			escalations.Add(1)
		},
	})

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return escalations.Load() >= 1 })
	s.Stop()

	if lastCount.Load() != 3 {
		t.Errorf("escalated at %d failures, want 3", lastCount.Load())
	}
}

func TestSender_SuccessResetsFailures(t *testing.T) {
	rec := &recordingSend{}
	var calls atomic.Int32
	var escalations atomic.Int32

	// Fail twice, succeed once, repeat. Never three in a row.
	send := func(ctx context.Context, b Beat) error {
		if calls.Add(1)%3 != 0 {
			return errors.New("write failed")
		}
		return rec.send(ctx, b)
	}

	s, _ := NewSender(SenderConfig{
		Source:      "lovebridge",
		Interval:    2 * time.Millisecond,
		MaxFailures: 3,
		Send:        send,
		OnEscalate:  func(int) { escalations.Add(1) },
	})

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return rec.count() >= 4 })
	s.Stop()

	if escalations.Load() != 0 {
		t.Errorf("escalations = %d, want 0", escalations.Load())
	}
	if s.Sent() < 4 {
		t.Errorf("Sent = %d, want >= 4", s.Sent())
	}
}

func TestSender_ContextCancelStops(t *testing.T) {
	rec := &recordingSend{}
	s, _ := NewSender(SenderConfig{Source: "lovebridge", Interval: 5 * time.Millisecond, Send: rec.send})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, time.Second, func() bool { return rec.count() >= 1 })
	cancel()

	// Stop still waits for the loop and reports success.
	if err := s.Stop(); err != nil {
		t.Errorf("Stop after cancel = %v, want nil", err)
	}
	n := rec.count()
	time.Sleep(20 * time.Millisecond)
	if rec.count() != n {
		t.Errorf("beats after cancel: %d -> %d", n, rec.count())
	}
}
