package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/lovebridge/bus"
	"github.com/vinayprograms/lovebridge/envelope"
	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/logging"
	"github.com/vinayprograms/lovebridge/ratelimit"
	"github.com/vinayprograms/lovebridge/registry"
	"github.com/vinayprograms/lovebridge/state"
	"github.com/vinayprograms/lovebridge/telemetry"
	"github.com/vinayprograms/lovebridge/transport"
)

// ErrAlreadyRunning is returned by Run on a running loop.
var ErrAlreadyRunning = errors.New("relay already running")

// ConnectionTopic is the envelope topic of connection state changes.
const ConnectionTopic = "connection"

// maxDrain bounds how many queued deliveries one wakeup handles before the
// loop flushes and looks at its other inputs.
const maxDrain = 1024

// Conn is the outbound side of a relay. *transport.Manager satisfies it.
type Conn interface {
	Send(env envelope.Envelope) error
	Commands() <-chan *envelope.Command
	OnStateChange(fn func(transport.StateChange))
}

// Handler is the relay-specific part of a loop. All methods run on the
// loop goroutine.
type Handler interface {
	// Setup subscribes and registers commands. Called once from Run.
	Setup(l *Loop) error

	// Tick runs on every timer tick.
	Tick(now time.Time)

	// Flush runs after each batch of inputs. Coalesced publishing happens
	// here.
	Flush()

	// Connected runs after every successful (re)connection.
	Connected()
}

// Config configures a Loop.
type Config struct {
	// Name identifies the relay in logs, spans and errors.
	Name string

	// Source is the envelope source of connection-state envelopes.
	Source string

	// TickInterval drives Handler.Tick.
	// Default: 1 second
	TickInterval time.Duration

	// StoreTTL bounds how long stored envelopes live (0 = forever).
	StoreTTL time.Duration

	// RequestTimeout bounds commands forwarded on the bus.
	// Default: 5 seconds
	RequestTimeout time.Duration

	// InboxSize bounds deliveries waiting for the loop.
	// Default: 1024
	InboxSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		RequestTimeout: 5 * time.Second,
		InboxSize:      1024,
	}
}

// Stats are the loop counters.
type Stats struct {
	Published     uint64 // envelopes accepted by the connection
	SendFailed    uint64 // envelopes the connection refused
	Malformed     uint64 // bus samples that failed to decode
	Commands      uint64 // inbound commands dispatched
	Throttled     uint64 // commands rejected by the throttle
	Panics        uint64 // handler panics recovered
	StoreErrors   uint64 // failed store writes or reads
	StatesDropped uint64 // connection transitions lost to a full queue
	Registry      registry.Stats
}

// Option configures a Loop.
type Option func(*Loop)

// WithStore sets the envelope store. Default: an in-memory store.
func WithStore(s state.Store) Option {
	return func(l *Loop) { l.store = s }
}

// WithTracer sets the tracer. Default: the global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(lg *logging.Logger) Option {
	return func(l *Loop) { l.logger = lg }
}

// WithClock injects the time source used for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithThrottle limits inbound commands per type.
func WithThrottle(t *ratelimit.Throttle) Option {
	return func(l *Loop) { l.throttle = t }
}

// Work is the blocking part of a deferred command. It runs off the loop
// goroutine and must not touch handler state.
type Work func(ctx context.Context) (map[string]any, error)

// DeferredFunc validates a command on the loop goroutine and returns the
// work that completes it.
type DeferredFunc func(ctx context.Context, cmd *envelope.Command) (Work, error)

// LatestFunc resolves initial state missing from the store.
type LatestFunc func(source, topic string) (envelope.Envelope, error)

// Loop is the single worker of one relay.
type Loop struct {
	config   Config
	bus      bus.MessageBus
	conn     Conn
	handler  Handler
	registry *registry.Registry
	mux      *transport.Mux
	store    state.Store
	ownStore bool
	tracer   *telemetry.Tracer
	logger   *logging.Logger
	throttle *ratelimit.Throttle
	now      func() time.Time

	states    chan transport.StateChange
	results   chan func()
	pending   sync.WaitGroup
	deferred  map[string]DeferredFunc
	running   atomic.Bool
	setupDone atomic.Bool
	regStats  atomic.Pointer[registry.Stats]

	// owned by the loop goroutine
	ctx    context.Context
	latest LatestFunc

	published   atomic.Uint64
	sendFailed  atomic.Uint64
	malformed   atomic.Uint64
	commands    atomic.Uint64
	throttled   atomic.Uint64
	panics      atomic.Uint64
	storeErrors atomic.Uint64
	statesLost  atomic.Uint64
}

// New creates a loop for handler h. The loop observes conn state changes
// from here on, so create it before starting the connection.
func New(cfg Config, b bus.MessageBus, conn Conn, h Handler, opts ...Option) (*Loop, error) {
	if cfg.Name == "" {
		return nil, bridgeerr.ConfigInvalid("relay name required")
	}
	if b == nil || conn == nil || h == nil {
		return nil, bridgeerr.ConfigInvalid("relay " + cfg.Name + ": bus, connection and handler required")
	}
	d := DefaultConfig()
	if cfg.Source == "" {
		cfg.Source = cfg.Name
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = d.TickInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = d.InboxSize
	}

	l := &Loop{
		config:   cfg,
		bus:      b,
		conn:     conn,
		handler:  h,
		tracer:   telemetry.GetTracer(),
		logger:   logging.New().WithComponent("relay." + cfg.Name),
		now:      time.Now,
		states:   make(chan transport.StateChange, 64),
		results:  make(chan func(), 64),
		deferred: make(map[string]DeferredFunc),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = state.NewMemoryStore()
		l.ownStore = true
	}

	l.registry = registry.New(b, registry.Config{InboxSize: cfg.InboxSize}, l.logger)
	l.mux = transport.NewMux(cfg.Source, l.logger)
	l.mux.Handle(envelope.CmdInitialState, l.initialState)

	l.regStats.Store(&registry.Stats{})

	conn.OnStateChange(l.observe)
	return l, nil
}

// Name returns the relay name.
func (l *Loop) Name() string { return l.config.Name }

// Bus returns the control bus.
func (l *Loop) Bus() bus.MessageBus { return l.bus }

// Registry returns the subscription registry owned by the loop.
func (l *Loop) Registry() *registry.Registry { return l.registry }

// Logger returns the relay logger.
func (l *Loop) Logger() *logging.Logger { return l.logger }

// Tracer returns the relay tracer.
func (l *Loop) Tracer() *telemetry.Tracer { return l.tracer }

// Now returns the loop clock.
func (l *Loop) Now() time.Time { return l.now() }

// Context returns the context of the running loop.
func (l *Loop) Context() context.Context { return l.ctx }

// RequestTimeout returns the bound for bus requests.
func (l *Loop) RequestTimeout() time.Duration { return l.config.RequestTimeout }

// Handle registers a command handler, replacing any previous one.
func (l *Loop) Handle(cmdType string, h transport.HandlerFunc) {
	delete(l.deferred, cmdType)
	l.mux.Handle(cmdType, h)
}

// HandleDeferred registers a command whose reply waits on blocking work,
// such as a bus request. The loop keeps serving while the work runs and
// sends the reply when it completes.
func (l *Loop) HandleDeferred(cmdType string, h DeferredFunc) {
	l.deferred[cmdType] = h
}

// SetLatest installs the fallback for initial_state lookups that miss the
// store.
func (l *Loop) SetLatest(fn LatestFunc) {
	l.latest = fn
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Published:     l.published.Load(),
		SendFailed:    l.sendFailed.Load(),
		Malformed:     l.malformed.Load(),
		Commands:      l.commands.Load(),
		Throttled:     l.throttled.Load(),
		Panics:        l.panics.Load(),
		StoreErrors:   l.storeErrors.Load(),
		StatesDropped: l.statesLost.Load(),
		Registry:      *l.regStats.Load(),
	}
}

// Run sets the handler up and serves until ctx is canceled. The registry
// is closed on return.
func (l *Loop) Run(ctx context.Context) error {
	if l.running.Swap(true) {
		return ErrAlreadyRunning
	}
	defer func() {
		l.registry.Close()
		if l.ownStore {
			l.store.Close()
		}
	}()

	l.ctx = ctx
	if err := l.setup(); err != nil {
		return err
	}
	l.flush()
	l.setupDone.Store(true)
	l.logger.Info("relay started", map[string]interface{}{
		"subscriptions": l.registry.Stats().Subscriptions,
	})

	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	commands := l.conn.Commands()
	deliveries := l.registry.Deliveries()

	for {
		select {
		case <-ctx.Done():
			l.pending.Wait()
			l.logger.Info("relay stopped", nil)
			return ctx.Err()

		case done := <-l.results:
			l.guard("command", done)
			l.flush()

		case d := <-deliveries:
			l.dispatch(d)
			l.drain(deliveries)
			l.flush()

		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			l.command(ctx, cmd)
			l.flush()

		case <-ticker.C:
			now := l.now()
			l.guard("tick", func() { l.handler.Tick(now) })
			l.flush()

		case sc := <-l.states:
			l.stateChanged(sc)
			l.flush()
		}
	}
}

func (l *Loop) setup() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = bridgeerr.RecoverPanic(r)
		}
	}()
	if err := l.handler.Setup(l); err != nil {
		return bridgeerr.Wrap(err, "relay setup", bridgeerr.WithRelay(l.config.Name))
	}
	return nil
}

// drain dispatches every delivery already waiting, so one flush covers
// the whole batch.
func (l *Loop) drain(deliveries <-chan registry.Delivery) {
	for i := 0; i < maxDrain; i++ {
		select {
		case d := <-deliveries:
			l.dispatch(d)
		default:
			return
		}
	}
}

func (l *Loop) dispatch(d registry.Delivery) {
	l.guard("delivery", func() { l.registry.Dispatch(d) })
}

func (l *Loop) flush() {
	l.guard("flush", l.handler.Flush)
	rs := l.registry.Stats()
	l.regStats.Store(&rs)
}

// guard runs fn and recovers a panic so one bad sample cannot stop the
// relay.
func (l *Loop) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n := l.panics.Add(1)
			err := bridgeerr.RecoverPanic(r)
			l.logger.Error("relay handler panic", map[string]interface{}{
				"stage":  what,
				"error":  err.Error(),
				"panics": n,
			})
		}
	}()
	fn()
}

func (l *Loop) command(ctx context.Context, cmd *envelope.Command) {
	l.commands.Add(1)

	if l.throttle != nil && !l.throttle.Allow(cmd.Type) {
		l.throttled.Add(1)
		err := bridgeerr.New(bridgeerr.ErrCodeBufferFull, "command rate exceeded: "+cmd.Type)
		l.send(envelope.ErrorReply(l.config.Source, cmd, err, l.now()))
		return
	}

	if h, ok := l.deferred[cmd.Type]; ok {
		l.deferCommand(ctx, cmd, h)
		return
	}

	ctx, span := l.tracer.StartCommandSpan(ctx, l.config.Name, cmd.Type, cmd.ID, cmd.Params)
	reply, ok := l.mux.Dispatch(ctx, cmd)
	var err error
	if ok && strings.HasSuffix(reply.Topic, ".error") {
		err = errors.New(asString(reply.Payload["message"]))
	}
	l.tracer.EndSpan(span, err)

	if ok {
		l.send(reply)
	}
}

// deferCommand validates cmd here and runs its work on a goroutine. The
// reply is posted back through results so it is sent from the loop.
func (l *Loop) deferCommand(ctx context.Context, cmd *envelope.Command, h DeferredFunc) {
	ctx, span := l.tracer.StartCommandSpan(ctx, l.config.Name, cmd.Type, cmd.ID, cmd.Params)
	start := time.Now()
	finish := func(payload map[string]any, err error) {
		l.logger.CommandHandled(cmd.Type, cmd.ID, time.Since(start), err)
		l.tracer.EndSpan(span, err)
		if err != nil {
			l.send(envelope.ErrorReply(l.config.Source, cmd, err, l.now()))
			return
		}
		l.send(envelope.Reply(l.config.Source, cmd, payload, l.now()))
	}

	work, err := prepare(ctx, h, cmd)
	if err != nil {
		finish(nil, err)
		return
	}

	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		payload, err := perform(ctx, work)
		select {
		case l.results <- func() { finish(payload, err) }:
		case <-ctx.Done():
			l.tracer.EndSpan(span, ctx.Err())
		}
	}()
}

func prepare(ctx context.Context, h DeferredFunc, cmd *envelope.Command) (w Work, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = bridgeerr.RecoverPanic(r)
		}
	}()
	return h(ctx, cmd)
}

func perform(ctx context.Context, w Work) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = bridgeerr.RecoverPanic(r)
		}
	}()
	return w(ctx)
}

// observe runs on the connection goroutine and must not block.
func (l *Loop) observe(sc transport.StateChange) {
	select {
	case l.states <- sc:
	default:
		n := l.statesLost.Add(1)
		l.logger.Warn("state change queue full, dropping transition", map[string]interface{}{
			"to":      sc.To.String(),
			"dropped": n,
		})
	}
}

// stateChanged reports a transition downstream. While the connection is
// down the envelope waits in the outbound buffer.
func (l *Loop) stateChanged(sc transport.StateChange) {
	payload := map[string]any{
		"state":   sc.To.String(),
		"from":    sc.From.String(),
		"attempt": sc.Attempt,
	}
	if sc.Delay > 0 {
		payload["delay"] = sc.Delay.Seconds()
	}
	if sc.Session != "" {
		payload["session"] = sc.Session
	}
	if sc.Err != nil {
		payload["error"] = sc.Err.Error()
	}
	at := sc.At
	if at.IsZero() {
		at = l.now()
	}
	l.send(envelope.Envelope{
		Source:    l.config.Source,
		Topic:     ConnectionTopic,
		Payload:   payload,
		Timestamp: at,
	})

	if sc.To == transport.StateConnected {
		l.guard("connected", l.handler.Connected)
	}
}

// Send hands env to the connection without storing it.
func (l *Loop) Send(env envelope.Envelope) {
	l.send(env)
}

func (l *Loop) send(env envelope.Envelope) bool {
	if err := l.conn.Send(env); err != nil {
		l.sendFailed.Add(1)
		l.logger.Debug("envelope not accepted", map[string]interface{}{
			"key":   env.Key(),
			"error": err.Error(),
		})
		return false
	}
	l.published.Add(1)
	return true
}

// Publish sends env and keeps it as the latest state of its stream.
func (l *Loop) Publish(env envelope.Envelope) {
	_, span := l.tracer.StartPublishSpan(l.ctx, l.config.Name, env.Source, env.Topic)
	var err error
	if !l.send(env) {
		err = bridgeerr.New(bridgeerr.ErrCodeBufferFull, "envelope not accepted")
	}
	l.tracer.EndSpan(span, err)

	l.remember(env)
}

// Malformed counts a sample that failed to decode and drops it.
func (l *Loop) Malformed(subject string, err error) {
	n := l.malformed.Add(1)
	l.logger.SampleDropped(subject, n, err)
}

func (l *Loop) storeKey(source, topic string) string {
	return state.Key(l.config.Name, source, topic)
}

func (l *Loop) remember(env envelope.Envelope) {
	data, err := env.Marshal()
	if err == nil {
		err = l.store.Put(l.storeKey(env.Source, env.Topic), data, l.config.StoreTTL)
	}
	if err != nil {
		l.storeErrors.Add(1)
		l.logger.Debug("store write failed", map[string]interface{}{
			"key":   env.Key(),
			"error": err.Error(),
		})
	}
}

// Stored returns the last published envelope of source and topic.
func (l *Loop) Stored(source, topic string) (envelope.Envelope, error) {
	key := l.storeKey(source, topic)
	data, err := l.store.Get(key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return envelope.Envelope{}, bridgeerr.NotFound("no state for "+key, bridgeerr.WithMetadata("key", key))
		}
		l.storeErrors.Add(1)
		return envelope.Envelope{}, bridgeerr.Wrap(err, "read stored state", bridgeerr.WithRelay(l.config.Name))
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.storeErrors.Add(1)
		return envelope.Envelope{}, bridgeerr.WrapWithCode(err, bridgeerr.ErrCodeInternal, "decode stored state")
	}
	return env, nil
}

// StoredAll returns every envelope stored by this relay, sorted by key.
func (l *Loop) StoredAll() []envelope.Envelope {
	keys, err := l.store.Keys(state.RelayPattern(l.config.Name))
	if err != nil {
		l.storeErrors.Add(1)
		return nil
	}
	sort.Strings(keys)

	out := make([]envelope.Envelope, 0, len(keys))
	for _, key := range keys {
		data, err := l.store.Get(key)
		if err != nil {
			continue
		}
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.storeErrors.Add(1)
			continue
		}
		out = append(out, env)
	}
	return out
}

// ResendStored sends every stored envelope again, without touching the
// store. Used after a reconnect.
func (l *Loop) ResendStored() int {
	n := 0
	for _, env := range l.StoredAll() {
		if l.send(env) {
			n++
		}
	}
	return n
}

// initialState answers initial_state. With source and topic it returns
// one envelope, falling back to the relay's LatestFunc; without them it
// returns everything stored for the relay.
func (l *Loop) initialState(_ context.Context, cmd *envelope.Command) (map[string]any, error) {
	source, hasSource := cmd.StringParam("source")
	topic, hasTopic := cmd.StringParam("topic")

	if !hasSource && !hasTopic {
		envs := l.StoredAll()
		list := make([]any, 0, len(envs))
		for _, env := range envs {
			list = append(list, envelopeMap(env))
		}
		return map[string]any{"envelopes": list}, nil
	}
	if !hasSource || !hasTopic {
		return nil, bridgeerr.InvalidInput("initial_state needs both source and topic")
	}

	env, err := l.Stored(source, topic)
	if err != nil && bridgeerr.Is(err, bridgeerr.ErrCodeNotFound) && l.latest != nil {
		env, err = l.latest(source, topic)
		if err == nil {
			l.remember(env)
		}
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"envelopes": []any{envelopeMap(env)}}, nil
}

func envelopeMap(env envelope.Envelope) map[string]any {
	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"source":    env.Source,
		"topic":     env.Topic,
		"payload":   payload,
		"timestamp": envelope.UnixSeconds(env.Timestamp),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
