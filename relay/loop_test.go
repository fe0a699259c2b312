package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/lovebridge/bus"
	"github.com/vinayprograms/lovebridge/envelope"
	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/logging"
	"github.com/vinayprograms/lovebridge/ratelimit"
	"github.com/vinayprograms/lovebridge/transport"
)

// fakeConn records sent envelopes and lets tests inject commands and
// state changes.
type fakeConn struct {
	mu        sync.Mutex
	sent      []envelope.Envelope
	observers []func(transport.StateChange)
	cmds      chan *envelope.Command
	refuse    bool
	seq       atomic.Int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{cmds: make(chan *envelope.Command, 16)}
}

func (c *fakeConn) Send(env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return errors.New("connection refused")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Commands() <-chan *envelope.Command { return c.cmds }

func (c *fakeConn) OnStateChange(fn func(transport.StateChange)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *fakeConn) emit(sc transport.StateChange) {
	c.mu.Lock()
	obs := append([]func(transport.StateChange){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range obs {
		fn(sc)
	}
}

func (c *fakeConn) setRefuse(v bool) {
	c.mu.Lock()
	c.refuse = v
	c.mu.Unlock()
}

func (c *fakeConn) byTopic(topic string) []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []envelope.Envelope
	for _, env := range c.sent {
		if env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) last(topic string) (envelope.Envelope, bool) {
	envs := c.byTopic(topic)
	if len(envs) == 0 {
		return envelope.Envelope{}, false
	}
	return envs[len(envs)-1], true
}

func (c *fakeConn) command(typ string, params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	cmd := &envelope.Command{ID: fmt.Sprintf("%s-%d", typ, c.seq.Add(1)), Type: typ, Params: params}
	c.cmds <- cmd
	return cmd.ID
}

// reply waits for the reply or error envelope of command id.
func (c *fakeConn) reply(t *testing.T, id string) envelope.Envelope {
	t.Helper()
	var found envelope.Envelope
	waitFor(t, "reply to "+id, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, env := range c.sent {
			if env.Payload["id"] == id {
				found = env
				return true
			}
		}
		return false
	})
	return found
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startLoop runs a loop for h until the test ends and waits for Setup.
func startLoop(t *testing.T, name string, b bus.MessageBus, conn *fakeConn, h Handler, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	l, err := New(Config{Name: name, TickInterval: 10 * time.Millisecond, RequestTimeout: 200 * time.Millisecond}, b, conn, h, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var started atomic.Bool
	go func() {
		started.Store(true)
		done <- l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
	})

	// Setup has finished once the handler's first flush is recorded.
	waitFor(t, "setup", func() bool { return started.Load() && l.setupDone.Load() })
	return l
}

func publishSample(t *testing.T, b bus.MessageBus, subject string, fields map[string]any) {
	t.Helper()
	data, err := envelope.EncodeSample(fields)
	if err != nil {
		t.Fatalf("EncodeSample: %v", err)
	}
	if err := b.Publish(subject, data); err != nil {
		t.Fatalf("Publish %s: %v", subject, err)
	}
}

func newBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })
	return b
}

// stubHandler runs the supplied functions.
type stubHandler struct {
	setup     func(l *Loop) error
	tick      func(now time.Time)
	ticks     atomic.Int64
	flushes   atomic.Int64
	connected atomic.Int64
}

func (h *stubHandler) Setup(l *Loop) error {
	if h.setup != nil {
		return h.setup(l)
	}
	return nil
}

func (h *stubHandler) Tick(now time.Time) {
	h.ticks.Add(1)
	if h.tick != nil {
		h.tick(now)
	}
}

func (h *stubHandler) Flush()     { h.flushes.Add(1) }
func (h *stubHandler) Connected() { h.connected.Add(1) }

// --- Unit Tests ---

func TestNew_Validation(t *testing.T) {
	b := newBus(t)
	conn := newFakeConn()

	tests := []struct {
		name string
		cfg  Config
		b    bus.MessageBus
		conn Conn
		h    Handler
	}{
		{"no name", Config{}, b, conn, &stubHandler{}},
		{"no bus", Config{Name: "x"}, nil, conn, &stubHandler{}},
		{"no conn", Config{Name: "x"}, b, nil, &stubHandler{}},
		{"no handler", Config{Name: "x"}, b, conn, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.b, tt.conn, tt.h)
			if !bridgeerr.Is(err, bridgeerr.ErrCodeConfigInvalid) {
				t.Errorf("New error = %v, want CONFIG_INVALID", err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Config{Name: "events"}, newBus(t), newFakeConn(), &stubHandler{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.config.Source != "events" {
		t.Errorf("Source = %q, want the relay name", l.config.Source)
	}
	if l.config.TickInterval != time.Second || l.RequestTimeout() != 5*time.Second {
		t.Errorf("defaults not applied: %+v", l.config)
	}
}

func TestObserve_CountsOverflow(t *testing.T) {
	conn := newFakeConn()
	l, err := New(Config{Name: "states"}, newBus(t), conn, &stubHandler{}, WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Not running, so nothing drains the 64-slot queue.
	for i := 0; i < 70; i++ {
		conn.emit(transport.StateChange{To: transport.StateReconnecting, Attempt: i})
	}
	if got := l.Stats().StatesDropped; got != 6 {
		t.Errorf("StatesDropped = %d, want 6", got)
	}
}

// --- Integration Tests ---

func TestLoop_RunTwice(t *testing.T) {
	l := startLoop(t, "twice", newBus(t), newFakeConn(), &stubHandler{})
	if err := l.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
}

func TestLoop_SetupErrorReturned(t *testing.T) {
	h := &stubHandler{setup: func(*Loop) error { return errors.New("no topics") }}
	l, err := New(Config{Name: "bad"}, newBus(t), newFakeConn(), h, WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Run(context.Background()); err == nil {
		t.Fatal("Run should fail when Setup fails")
	}
}

func TestLoop_TicksAndFlushes(t *testing.T) {
	h := &stubHandler{}
	startLoop(t, "ticks", newBus(t), newFakeConn(), h)

	waitFor(t, "ticks", func() bool { return h.ticks.Load() >= 3 })
	if h.flushes.Load() < h.ticks.Load() {
		t.Errorf("flushes = %d, want at least one per tick (%d)", h.flushes.Load(), h.ticks.Load())
	}
}

func TestLoop_PanicRecovered(t *testing.T) {
	h := &stubHandler{tick: func(time.Time) { panic("bad tick") }}
	conn := newFakeConn()
	l := startLoop(t, "panics", newBus(t), conn, h)

	waitFor(t, "recovered panics", func() bool { return l.Stats().Panics >= 2 })

	id := conn.command(envelope.CmdInitialState, nil)
	if env := conn.reply(t, id); env.Topic != "initial_state.reply" {
		t.Errorf("reply topic = %q after panics", env.Topic)
	}
}

func TestLoop_ConnectionEnvelopes(t *testing.T) {
	h := &stubHandler{}
	conn := newFakeConn()
	startLoop(t, "conn", newBus(t), conn, h)

	conn.emit(transport.StateChange{
		From:    transport.StateConnecting,
		To:      transport.StateReconnecting,
		Attempt: 2,
		Delay:   time.Second,
		Err:     errors.New("refused"),
		At:      time.Unix(1700000000, 0),
	})
	conn.emit(transport.StateChange{
		From:    transport.StateReconnecting,
		To:      transport.StateConnected,
		Session: "abc",
	})

	waitFor(t, "connection envelopes", func() bool { return len(conn.byTopic(ConnectionTopic)) == 2 })
	envs := conn.byTopic(ConnectionTopic)

	first := envs[0].Payload
	if first["state"] != "reconnecting" || first["from"] != "connecting" || first["attempt"] != 2 {
		t.Errorf("reconnecting payload = %v", first)
	}
	if first["error"] != "refused" || first["delay"] != 1.0 {
		t.Errorf("reconnecting payload = %v", first)
	}
	if envs[0].Source != "conn" {
		t.Errorf("Source = %q, want conn", envs[0].Source)
	}
	if envs[1].Payload["state"] != "connected" || envs[1].Payload["session"] != "abc" {
		t.Errorf("connected payload = %v", envs[1].Payload)
	}

	waitFor(t, "Connected callback", func() bool { return h.connected.Load() == 1 })
}

func TestLoop_InitialStateFromStore(t *testing.T) {
	h := &stubHandler{setup: func(l *Loop) error {
		now := time.Unix(1700000000, 0)
		l.Publish(envelope.Envelope{Source: "ATDome:0", Topic: "logevent_summaryState", Payload: map[string]any{"summaryState": 2}, Timestamp: now})
		l.Publish(envelope.Envelope{Source: "ATDome:0", Topic: "tel_position", Payload: map[string]any{"azimuth": 10.5}, Timestamp: now})
		return nil
	}}
	conn := newFakeConn()
	l := startLoop(t, "store", newBus(t), conn, h)

	t.Run("all", func(t *testing.T) {
		env := conn.reply(t, conn.command(envelope.CmdInitialState, nil))
		list, _ := env.Payload["envelopes"].([]any)
		if len(list) != 2 {
			t.Fatalf("envelopes = %v, want 2", env.Payload["envelopes"])
		}
		first, _ := list[0].(map[string]any)
		if first["topic"] != "logevent_summaryState" || first["source"] != "ATDome:0" {
			t.Errorf("first envelope = %v", first)
		}
	})

	t.Run("one", func(t *testing.T) {
		env := conn.reply(t, conn.command(envelope.CmdInitialState, map[string]any{
			"source": "ATDome:0",
			"topic":  "tel_position",
		}))
		list, _ := env.Payload["envelopes"].([]any)
		if len(list) != 1 {
			t.Fatalf("envelopes = %v, want 1", env.Payload["envelopes"])
		}
	})

	t.Run("missing", func(t *testing.T) {
		env := conn.reply(t, conn.command(envelope.CmdInitialState, map[string]any{
			"source": "ATDome:0",
			"topic":  "logevent_nothing",
		}))
		if env.Topic != "initial_state.error" || env.Payload["error"] != "not-found" {
			t.Errorf("missing reply = %s %v", env.Topic, env.Payload)
		}
	})

	t.Run("half", func(t *testing.T) {
		env := conn.reply(t, conn.command(envelope.CmdInitialState, map[string]any{"topic": "tel_position"}))
		if env.Topic != "initial_state.error" || env.Payload["error"] != "invalid" {
			t.Errorf("half reply = %s %v", env.Topic, env.Payload)
		}
	})

	if l.Stats().Published < 2 {
		t.Errorf("Published = %d, want at least 2", l.Stats().Published)
	}
}

func TestLoop_UnknownCommandDiscarded(t *testing.T) {
	conn := newFakeConn()
	l := startLoop(t, "unknown", newBus(t), conn, &stubHandler{})

	conn.command("launch_rocket", nil)
	id := conn.command(envelope.CmdInitialState, nil)
	conn.reply(t, id)

	if got := len(conn.byTopic("launch_rocket.reply")) + len(conn.byTopic("launch_rocket.error")); got != 0 {
		t.Errorf("unknown command produced %d envelopes", got)
	}
	if l.Stats().Commands != 2 {
		t.Errorf("Commands = %d, want 2", l.Stats().Commands)
	}
}

func TestLoop_Throttle(t *testing.T) {
	th := ratelimit.NewThrottle()
	th.SetCapacity(envelope.CmdInitialState, 1, time.Hour)

	conn := newFakeConn()
	l := startLoop(t, "throttle", newBus(t), conn, &stubHandler{}, WithThrottle(th))

	ok := conn.reply(t, conn.command(envelope.CmdInitialState, nil))
	if ok.Topic != "initial_state.reply" {
		t.Errorf("first reply topic = %q", ok.Topic)
	}
	rejected := conn.reply(t, conn.command(envelope.CmdInitialState, nil))
	if rejected.Topic != "initial_state.error" || rejected.Payload["code"] != string(bridgeerr.ErrCodeBufferFull) {
		t.Errorf("throttled reply = %s %v", rejected.Topic, rejected.Payload)
	}
	if l.Stats().Throttled != 1 {
		t.Errorf("Throttled = %d, want 1", l.Stats().Throttled)
	}
}

func TestLoop_SendFailureCounted(t *testing.T) {
	conn := newFakeConn()
	conn.setRefuse(true)
	h := &stubHandler{setup: func(l *Loop) error {
		l.Publish(envelope.Envelope{Source: "ATDome:0", Topic: "logevent_x", Timestamp: time.Now()})
		return nil
	}}
	l := startLoop(t, "refuse", newBus(t), conn, h)

	if l.Stats().SendFailed != 1 {
		t.Errorf("SendFailed = %d, want 1", l.Stats().SendFailed)
	}

	// The envelope is still stored for initial_state.
	conn.setRefuse(false)
	env := conn.reply(t, conn.command(envelope.CmdInitialState, map[string]any{"source": "ATDome:0", "topic": "logevent_x"}))
	if env.Topic != "initial_state.reply" {
		t.Errorf("reply = %s %v", env.Topic, env.Payload)
	}
}

func TestLoop_DeferredCommandDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	conn := newFakeConn()
	h := &stubHandler{setup: func(l *Loop) error {
		l.HandleDeferred("slow", func(_ context.Context, cmd *envelope.Command) (Work, error) {
			if _, ok := cmd.StringParam("target"); !ok {
				return nil, bridgeerr.InvalidInput("target required")
			}
			return func(ctx context.Context) (map[string]any, error) {
				select {
				case <-release:
					return map[string]any{"done": true}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}, nil
		})
		l.Handle("fast", func(context.Context, *envelope.Command) (map[string]any, error) {
			return map[string]any{"fast": true}, nil
		})
		return nil
	}}
	l := startLoop(t, "deferred", newBus(t), conn, h)
	defer close(release)

	slow := conn.command("slow", map[string]any{"target": "x"})
	fast := conn.reply(t, conn.command("fast", nil))
	if fast.Topic != "fast.reply" {
		t.Errorf("fast reply = %s %v", fast.Topic, fast.Payload)
	}
	if got := len(conn.byTopic("slow.reply")); got != 0 {
		t.Fatalf("slow replied before its work finished")
	}

	invalid := conn.reply(t, conn.command("slow", nil))
	if invalid.Topic != "slow.error" || invalid.Payload["code"] != string(bridgeerr.ErrCodeInvalidInput) {
		t.Errorf("invalid reply = %s %v", invalid.Topic, invalid.Payload)
	}

	release <- struct{}{}
	reply := conn.reply(t, slow)
	if reply.Topic != "slow.reply" || reply.Payload["done"] != true {
		t.Errorf("slow reply = %s %v", reply.Topic, reply.Payload)
	}
	if l.Stats().Commands != 3 {
		t.Errorf("Commands = %d, want 3", l.Stats().Commands)
	}
}

func TestLoop_DeferredWorkPanicRecovered(t *testing.T) {
	conn := newFakeConn()
	h := &stubHandler{setup: func(l *Loop) error {
		l.HandleDeferred("boom", func(context.Context, *envelope.Command) (Work, error) {
			return func(context.Context) (map[string]any, error) {
				panic("work exploded")
			}, nil
		})
		return nil
	}}
	startLoop(t, "deferpanic", newBus(t), conn, h)

	reply := conn.reply(t, conn.command("boom", nil))
	if reply.Topic != "boom.error" {
		t.Errorf("reply = %s %v", reply.Topic, reply.Payload)
	}
}
