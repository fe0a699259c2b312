package heartbeat

import (
	"context"
	"sync/atomic"
	"time"
)

// Sender emits beats at a fixed interval through a SendFunc and escalates
// after MaxFailures consecutive failures.
type Sender struct {
	source      string
	interval    time.Duration
	maxFailures int
	send        SendFunc
	onEscalate  func(int)

	seq      atomic.Uint64
	failures atomic.Int32
	sent     atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultSenderConfig()
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaults.Interval
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaults.MaxFailures
	}

	return &Sender{
		source:      cfg.Source,
		interval:    interval,
		maxFailures: maxFailures,
		send:        cfg.Send,
		onEscalate:  cfg.OnEscalate,
	}, nil
}

// Start begins sending beats at the configured interval.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main beat loop.
func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	// First beat goes out immediately
	s.beat(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Sender) beat(ctx context.Context) {
	b := Beat{
		Source:    s.source,
		Sequence:  s.seq.Add(1),
		Timestamp: time.Now(),
	}

	if err := s.send(ctx, b); err != nil {
		if ctx.Err() != nil {
			return
		}
		n := int(s.failures.Add(1))
		if n >= s.maxFailures {
			s.failures.Store(0)
			if s.onEscalate != nil {
				s.onEscalate(n)
			}
		}
		return
	}
	s.failures.Store(0)
	s.sent.Add(1)
}

// Stop stops sending beats and waits for the loop to exit.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Failures returns the current consecutive failure count.
func (s *Sender) Failures() int {
	return int(s.failures.Load())
}

// Sent returns the number of beats delivered.
func (s *Sender) Sent() uint64 {
	return s.sent.Load()
}

// Source returns the sender's source name.
func (s *Sender) Source() string {
	return s.source
}
