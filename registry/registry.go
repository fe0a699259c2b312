// Package registry binds (topic, discriminator) pairs to callbacks over a
// shared, reference-counted set of bus subscriptions.
package registry

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/lovebridge/bus"
	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/logging"
)

// Common errors.
var (
	ErrClosed       = errors.New("registry closed")
	ErrInvalidTopic = errors.New("invalid topic or discriminator")
	ErrNilCallback  = errors.New("nil callback")
)

// Delivery is one bus sample routed to a (topic, discriminator) pair.
type Delivery struct {
	Topic         string
	Discriminator string
	Message       *bus.Message
}

// Callback handles a delivery. It runs on the goroutine calling Dispatch.
type Callback func(Delivery)

// Key identifies a subscription.
type Key struct {
	Topic         string
	Discriminator string
}

// Config configures a Registry.
type Config struct {
	// InboxSize bounds deliveries waiting for Dispatch.
	// Default: 1024
	InboxSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{InboxSize: 1024}
}

// Stats are the registry counters.
type Stats struct {
	Handles       int    // live bus subscriptions
	Subscriptions int    // (topic, discriminator) pairs
	Delivered     uint64 // deliveries that reached a callback
	Stale         uint64 // deliveries for pairs no longer subscribed
	Dropped       uint64 // samples lost to a full subscription buffer
}

type entry struct {
	cb      Callback
	pattern string
}

// handle is one bus subscription shared by every pair on a topic.
type handle struct {
	pattern string
	topic   string
	sub     bus.Subscription
	refs    int
}

// Registry routes bus samples to callbacks. Subscribe, Unsubscribe and
// Dispatch must be called from one goroutine, the owning relay loop. Pump
// goroutines only feed the inbox.
type Registry struct {
	bus    bus.MessageBus
	logger *logging.Logger
	inbox  chan Delivery
	stop   chan struct{}
	wg     sync.WaitGroup

	handles map[string]*handle
	entries map[Key]*entry
	closed  bool

	delivered atomic.Uint64
	stale     atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a registry over b.
func New(b bus.MessageBus, cfg Config, logger *logging.Logger) *Registry {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		bus:     b,
		logger:  logger,
		inbox:   make(chan Delivery, cfg.InboxSize),
		stop:    make(chan struct{}),
		handles: make(map[string]*handle),
		entries: make(map[Key]*entry),
	}
}

// pattern is the bus subject shared by every discriminator of topic.
func pattern(topic, discriminator string) string {
	if discriminator == "" {
		return topic
	}
	return topic + ".>"
}

// Subscribe binds cb to (topic, discriminator). Subscribing an existing
// pair replaces its callback and leaves the bus subscription untouched.
func (r *Registry) Subscribe(topic, discriminator string, cb Callback) error {
	if r.closed {
		return ErrClosed
	}
	if cb == nil {
		return ErrNilCallback
	}
	subject := bus.Subject(topic, discriminator)
	if topic == "" || bus.ValidateSubject(subject) != nil || bus.IsWildcard(subject) {
		return ErrInvalidTopic
	}

	k := Key{Topic: topic, Discriminator: discriminator}
	if e, ok := r.entries[k]; ok {
		e.cb = cb
		return nil
	}

	p := pattern(topic, discriminator)
	h, ok := r.handles[p]
	if !ok {
		sub, err := r.bus.Subscribe(p)
		if err != nil {
			return bridgeerr.BusUnavailable(p, err)
		}
		h = &handle{pattern: p, topic: topic, sub: sub}
		r.handles[p] = h
		r.wg.Add(1)
		go r.pump(h)
		r.logger.Debug("bus handle opened", map[string]interface{}{"subject": p})
	}
	h.refs++
	r.entries[k] = &entry{cb: cb, pattern: p}
	return nil
}

// Unsubscribe detaches (topic, discriminator). The bus subscription is
// released with its last reference. Unknown pairs are a no-op.
func (r *Registry) Unsubscribe(topic, discriminator string) {
	k := Key{Topic: topic, Discriminator: discriminator}
	e, ok := r.entries[k]
	if !ok {
		return
	}
	delete(r.entries, k)

	h := r.handles[e.pattern]
	if h == nil {
		return
	}
	h.refs--
	if h.refs > 0 {
		return
	}
	delete(r.handles, e.pattern)
	if err := h.sub.Unsubscribe(); err != nil {
		r.logger.Warn("bus unsubscribe failed", map[string]interface{}{
			"subject": e.pattern,
			"error":   err.Error(),
		})
	}
	r.logger.Debug("bus handle released", map[string]interface{}{"subject": e.pattern})
}

// Has reports whether (topic, discriminator) is subscribed.
func (r *Registry) Has(topic, discriminator string) bool {
	_, ok := r.entries[Key{Topic: topic, Discriminator: discriminator}]
	return ok
}

// Deliveries returns the inbox the owning loop reads from.
func (r *Registry) Deliveries() <-chan Delivery {
	return r.inbox
}

// Dispatch invokes the callback for d. Deliveries for pairs no longer
// subscribed are counted and dropped.
func (r *Registry) Dispatch(d Delivery) bool {
	e, ok := r.entries[Key{Topic: d.Topic, Discriminator: d.Discriminator}]
	if !ok {
		r.stale.Add(1)
		return false
	}
	e.cb(d)
	r.delivered.Add(1)
	return true
}

// Active returns the number of live bus subscriptions.
func (r *Registry) Active() int {
	return len(r.handles)
}

// Stats returns the registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Handles:       len(r.handles),
		Subscriptions: len(r.entries),
		Delivered:     r.delivered.Load(),
		Stale:         r.stale.Load(),
		Dropped:       r.dropped.Load(),
	}
}

// Close releases every bus subscription and stops the pumps.
func (r *Registry) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.stop)

	var errs []error
	for p, h := range r.handles {
		if err := h.sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
		delete(r.handles, p)
	}
	r.entries = make(map[Key]*entry)
	r.wg.Wait()
	return errors.Join(errs...)
}

// pump forwards one handle's messages to the inbox in bus order.
func (r *Registry) pump(h *handle) {
	defer r.wg.Done()

	var seen uint64
	defer func() { r.countDropped(h, &seen) }()

	for msg := range h.sub.Messages() {
		r.countDropped(h, &seen)
		d := Delivery{
			Topic:         h.topic,
			Discriminator: discriminator(h, msg.Subject),
			Message:       msg,
		}
		select {
		case r.inbox <- d:
		case <-r.stop:
			return
		}
	}
}

// countDropped folds new buffer overflows on h into the registry total.
func (r *Registry) countDropped(h *handle, seen *uint64) {
	n := h.sub.Dropped()
	if n <= *seen {
		return
	}
	total := r.dropped.Add(n - *seen)
	*seen = n
	r.logger.SampleDropped(h.pattern, total, nil)
}

func discriminator(h *handle, subject string) string {
	if h.pattern == h.topic {
		return ""
	}
	return strings.TrimPrefix(subject, h.topic+".")
}
