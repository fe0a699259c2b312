package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/lovebridge/logging"
)

// NATSBus implements MessageBus using NATS.
//
// ReadLatest is served from a JetStream stream when one is configured, and
// otherwise from the last message seen on any active subscription. The
// stream is resolved on first use so the bus can start before the server
// is reachable.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	js     jetstream.JetStream

	streamMu sync.Mutex
	stream   jetstream.Stream

	mu   sync.RWMutex
	subs map[*natsSubscription]struct{}
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// Stream names a JetStream stream that captures sample subjects.
	// Empty disables stream lookups for ReadLatest.
	Stream string

	// LookupTimeout bounds a JetStream last-message lookup.
	LookupTimeout time.Duration

	// RetryOnFailedConnect returns a reconnecting connection instead of an
	// error when the server is unreachable at startup.
	RetryOnFailedConnect bool

	// Logger receives disconnect and reconnect events. Nil discards them.
	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
		LookupTimeout:  2 * time.Second,

		RetryOnFailedConnect: true,
	}
}

// NewNATSBus creates a new NATS message bus.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	b, err := NewNATSBusFromConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// NewNATSBusFromConn creates a NATSBus from an existing connection.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultNATSConfig().LookupTimeout
	}

	b := &NATSBus{
		conn:   conn,
		config: cfg,
		subs:   make(map[*natsSubscription]struct{}),
	}

	if cfg.Stream != "" {
		js, err := jetstream.New(conn)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		b.js = js
	}

	return b, nil
}

// lookupStream resolves the configured stream, caching it once found.
func (b *NATSBus) lookupStream(ctx context.Context) (jetstream.Stream, error) {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	if b.stream != nil {
		return b.stream, nil
	}
	stream, err := b.js.Stream(ctx, b.config.Stream)
	if err != nil {
		return nil, fmt.Errorf("jetstream stream %s: %w", b.config.Stream, err)
	}
	b.stream = stream
	return stream, nil
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	if cfg.RetryOnFailedConnect {
		opts = append(opts, nats.RetryOnFailedConnect(true))
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	opts = append(opts,
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			fields := map[string]interface{}{"url": nc.ConnectedUrlRedacted()}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.Warn("bus_disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus_reconnected", map[string]interface{}{
				"url":        nc.ConnectedUrlRedacted(),
				"reconnects": nc.Stats().Reconnects,
			})
		}),
	)

	return opts
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSubscription{
		ch:     make(chan *Message, b.config.BufferSize),
		latest: make(map[string]*Message),
		bus:    b,
	}

	natsSub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		s.deliver(&Message{
			Subject:  m.Subject,
			Data:     m.Data,
			Reply:    m.Reply,
			Received: time.Now(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	s.sub = natsSub

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s, nil
}

// ReadLatest returns the most recent message on subject.
func (b *NATSBus) ReadLatest(subject string) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	if b.js != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.LookupTimeout)
		defer cancel()

		stream, err := b.lookupStream(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := stream.GetLastMsgForSubject(ctx, subject)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				return nil, ErrNoSample
			}
			return nil, fmt.Errorf("jetstream last msg: %w", err)
		}
		return &Message{
			Subject:  raw.Subject,
			Data:     raw.Data,
			Received: raw.Time,
		}, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var newest *Message
	for s := range b.subs {
		if msg := s.last(subject); msg != nil && (newest == nil || msg.Received.After(newest.Received)) {
			newest = msg
		}
	}
	if newest == nil {
		return nil, ErrNoSample
	}
	return newest, nil
}

// Request sends a request and waits for reply.
func (b *NATSBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	reply, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, ErrTimeout
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, ErrNoResponders
		}
		return nil, fmt.Errorf("nats request: %w", err)
	}

	return &Message{
		Subject:  reply.Subject,
		Data:     reply.Data,
		Reply:    reply.Reply,
		Received: time.Now(),
	}, nil
}

// Close shuts down the NATS connection.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// natsSubscription wraps a NATS subscription. The NATS callback and
// Unsubscribe run on different goroutines, so the channel is guarded.
// latest holds the newest message per subject seen here and goes away
// with the subscription.
type natsSubscription struct {
	sub     *nats.Subscription
	bus     *NATSBus
	mu      sync.Mutex
	ch      chan *Message
	latest  map[string]*Message
	closed  bool
	dropped atomic.Uint64
}

func (s *natsSubscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.latest[msg.Subject] = msg
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *natsSubscription) last(subject string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[subject]
}

// Messages returns the message channel.
func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Dropped returns the number of messages lost to a full buffer.
func (s *natsSubscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe cancels the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.latest = nil
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}
