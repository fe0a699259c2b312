package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/envelope"
	"github.com/vinayprograms/lovebridge/heartbeat"
	"github.com/vinayprograms/lovebridge/logging"
)

// ErrAlreadyStarted is returned by Run on a running manager.
var ErrAlreadyStarted = errors.New("transport already started")

// LivenessTopic is the envelope topic of this producer's own beats.
const LivenessTopic = "heartbeat"

type writeReq struct {
	env  envelope.Envelope
	done chan error
}

// Manager owns one outbound websocket stream. All writes happen on the
// manager goroutine, so envelopes leave in the order Send accepted them.
type Manager struct {
	config   Config
	endpoint string
	dialer   Dialer
	logger   *logging.Logger
	limiter  *rate.Limiter
	sender   *heartbeat.Sender

	sendCh   chan envelope.Envelope
	liveCh   chan writeReq
	kickCh   chan error
	closeCh  chan context.Context
	commands chan *envelope.Command
	doneCh   chan struct{}

	// life orders Run against Close; runCancel is set under it.
	life      sync.Mutex
	runCancel context.CancelFunc
	started   atomic.Bool
	closed    atomic.Bool
	state     atomic.Int32

	// owned by the manager goroutine
	ring    *ring
	backoff *Backoff

	mu        sync.RWMutex
	session   Connection
	observers []func(StateChange)

	sent       atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64
	malformed  atomic.Uint64
	heartbeats atomic.Uint64
	buffered   atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager. Nothing is dialed until Run.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()

	endpoint, err := EndpointURL(cfg.URL, cfg.Credential)
	if err != nil {
		return nil, bridgeerr.WrapWithCode(err, bridgeerr.ErrCodeConfigInvalid, "outbound endpoint")
	}
	if cfg.Source == "" {
		return nil, bridgeerr.ConfigInvalid("transport source required")
	}

	m := &Manager{
		config:   cfg,
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:   logging.New().WithComponent("transport"),
		sendCh:   make(chan envelope.Envelope, cfg.BufferSize),
		liveCh:   make(chan writeReq),
		kickCh:   make(chan error, 1),
		closeCh:  make(chan context.Context, 1),
		commands: make(chan *envelope.Command, cfg.RecvBufferSize),
		doneCh:   make(chan struct{}),
		ring:     newRing(cfg.BufferSize),
		backoff:  NewBackoff(cfg.Backoff),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.MaxSendRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.MaxSendRate), cfg.SendBurst)
	}

	if cfg.HeartbeatInterval > 0 {
		s, err := heartbeat.NewSender(heartbeat.SenderConfig{
			Source:      cfg.Source,
			Interval:    cfg.HeartbeatInterval,
			MaxFailures: cfg.HeartbeatMaxFailures,
			Send:        m.sendLiveness,
			OnEscalate:  m.escalate,
		})
		if err != nil {
			return nil, bridgeerr.WrapWithCode(err, bridgeerr.ErrCodeConfigInvalid, "heartbeat sender")
		}
		m.sender = s
	}

	return m, nil
}

// EndpointURL builds the dial URL. A bare host gets the ws scheme and the
// root path; the credential becomes the password query parameter.
func EndpointURL(raw, credential string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if credential != "" {
		q := u.Query()
		q.Set("password", credential)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// redact strips the query so credentials never reach logs.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	return u.String()
}

// OnStateChange registers an observer. Observers run synchronously on the
// manager goroutine and must not block.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Commands returns inbound commands parsed from the stream.
func (m *Manager) Commands() <-chan *envelope.Command {
	return m.commands
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Session returns the current or most recent connection record.
func (m *Manager) Session() Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.session
	s.State = m.State()
	return s
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Sent:       m.sent.Load(),
		Buffered:   int(m.buffered.Load()),
		Dropped:    m.dropped.Load(),
		Failed:     m.failed.Load(),
		Reconnects: m.reconnects.Load(),
		Malformed:  m.malformed.Load(),
		Heartbeats: m.heartbeats.Load(),
	}
}

// Send queues env without blocking. When the queue is full the envelope
// is dropped and counted.
func (m *Manager) Send(env envelope.Envelope) error {
	if m.closed.Load() {
		m.dropped.Add(1)
		return ErrClosed
	}
	select {
	case m.sendCh <- env:
		return nil
	default:
		n := m.dropped.Add(1)
		m.logger.Debug("send queue full, dropping envelope", map[string]interface{}{
			"key":     env.Key(),
			"dropped": n,
		})
		return bridgeerr.New(bridgeerr.ErrCodeBufferFull, "send queue full")
	}
}

// Start runs the manager in a goroutine.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("transport stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// Run connects and keeps the stream alive until ctx is canceled or Close
// is called. It blocks.
func (m *Manager) Run(ctx context.Context) error {
	m.life.Lock()
	if m.closed.Load() {
		m.life.Unlock()
		return ErrClosed
	}
	if m.started.Swap(true) {
		m.life.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCancel = cancel
	m.life.Unlock()
	defer close(m.doneCh)

	if m.sender != nil {
		m.sender.Start(runCtx)
	}
	defer func() {
		cancel()
		if m.sender != nil {
			m.sender.Stop()
		}
		m.discard()
	}()

	m.setState(StateChange{To: StateConnecting})

	connected := false
	for {
		conn, err := m.dial(runCtx)
		if err == nil {
			m.clearKick()
			if connected {
				m.reconnects.Add(1)
			}
			connected = true
			m.backoff.Reset()

			var stop bool
			stop, err = m.serve(runCtx, conn)
			if stop {
				return ctx.Err()
			}
		} else if runCtx.Err() != nil {
			m.setState(StateChange{To: StateDisconnected})
			return ctx.Err()
		}

		delay := m.backoff.Next()
		m.setState(StateChange{
			To:      StateReconnecting,
			Attempt: m.backoff.Attempt(),
			Delay:   delay,
			Err:     err,
		})
		if m.wait(runCtx, delay) {
			return ctx.Err()
		}
	}
}

// Close drains queued envelopes while connected, bounded by ctx or
// ShutdownTimeout, then closes the stream. If the drain outlives the
// bound, Run is canceled. The manager cannot be reused.
func (m *Manager) Close(ctx context.Context) error {
	m.life.Lock()
	if m.closed.Swap(true) {
		m.life.Unlock()
		return nil
	}
	started, cancelRun := m.started.Load(), m.runCancel
	m.life.Unlock()

	if !started {
		m.setState(StateChange{To: StateDisconnected})
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	select {
	case m.closeCh <- ctx:
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		cancelRun()
		return ctx.Err()
	}

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		cancelRun()
		return ctx.Err()
	}
}

type dialResult struct {
	conn *websocket.Conn
	resp *http.Response
	err  error
}

// dial returns as soon as ctx ends. A handshake still in flight then runs
// to its own timeout and its connection is closed.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(context.Background(), m.config.HandshakeTimeout)

	ch := make(chan dialResult, 1)
	go func() {
		defer cancel()
		conn, resp, err := m.dialer.DialContext(dctx, m.endpoint, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		ch <- dialResult{conn: conn, resp: resp, err: err}
	}()

	var r dialResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}

	if r.err != nil {
		err := r.err
		if r.resp != nil {
			err = fmt.Errorf("%w (status %d)", err, r.resp.StatusCode)
		}
		return nil, bridgeerr.ConnectionFailed(redact(m.endpoint), err)
	}
	r.conn.SetReadLimit(m.config.MaxMessageSize)
	return r.conn, nil
}

// serve runs one connected session. It returns stop=true when the manager
// is shutting down, otherwise the cause of the disconnect.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	m.session = Connection{
		ID:           uuid.NewString(),
		Endpoint:     redact(m.endpoint),
		Credential:   m.config.Credential,
		Established:  now,
		LastActivity: now,
	}
	session := m.session.ID
	m.mu.Unlock()

	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go m.readLoop(conn, readErr, readDone)
	defer func() {
		conn.Close()
		<-readDone
	}()

	m.setState(StateChange{To: StateConnected, Session: session})

	if err := m.flushRing(ctx, conn); err != nil {
		return false, err
	}

	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
			m.drain(dctx, conn)
			cancel()
			m.writeClose(conn)
			m.setState(StateChange{To: StateDisconnected})
			return true, nil

		case dctx := <-m.closeCh:
			m.drain(dctx, conn)
			m.writeClose(conn)
			m.setState(StateChange{To: StateDisconnected})
			return true, nil

		case env := <-m.sendCh:
			if err := m.writeData(ctx, conn, env); err != nil {
				return false, err
			}

		case req := <-m.liveCh:
			written, err := m.write(ctx, conn, req.env)
			if written {
				m.heartbeats.Add(1)
			}
			req.done <- err
			if err != nil {
				return false, err
			}

		case err := <-m.kickCh:
			m.writeClose(conn)
			return false, err

		case err := <-readErr:
			return false, err
		}
	}
}

// wait sleeps for delay while buffering sends. It returns true when the
// manager is shutting down.
func (m *Manager) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false
		case <-ctx.Done():
			m.setState(StateChange{To: StateDisconnected})
			return true
		case <-m.closeCh:
			m.setState(StateChange{To: StateDisconnected})
			return true
		case env := <-m.sendCh:
			m.buffer(env)
		case req := <-m.liveCh:
			req.done <- ErrNotConnected
		case <-m.kickCh:
		}
	}
}

func (m *Manager) buffer(env envelope.Envelope) {
	if !m.ring.push(env) {
		n := m.dropped.Add(1)
		m.logger.Debug("buffer full, dropping envelope", map[string]interface{}{
			"key":     env.Key(),
			"dropped": n,
		})
		return
	}
	m.buffered.Store(int64(m.ring.len()))
}

// flushRing writes buffered envelopes oldest first.
func (m *Manager) flushRing(ctx context.Context, conn *websocket.Conn) error {
	for {
		env, ok := m.ring.pop()
		if !ok {
			return nil
		}
		m.buffered.Store(int64(m.ring.len()))
		if err := m.writeData(ctx, conn, env); err != nil {
			return err
		}
	}
}

// drain writes whatever is queued until the queue is empty or ctx ends.
func (m *Manager) drain(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.sendCh:
			if err := m.writeData(ctx, conn, env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// discard counts what is left after the manager stops.
func (m *Manager) discard() {
	for {
		if _, ok := m.ring.pop(); !ok {
			break
		}
		m.dropped.Add(1)
	}
	m.buffered.Store(0)
	for {
		select {
		case <-m.sendCh:
			m.dropped.Add(1)
		default:
			return
		}
	}
}

func (m *Manager) writeData(ctx context.Context, conn *websocket.Conn, env envelope.Envelope) error {
	written, err := m.write(ctx, conn, env)
	if err != nil {
		// The envelope was in flight; resending could duplicate it.
		m.failed.Add(1)
		return err
	}
	if written {
		m.sent.Add(1)
	}
	return nil
}

// write returns written=false with a nil error when the envelope was
// skipped without touching the connection.
func (m *Manager) write(ctx context.Context, conn *websocket.Conn, env envelope.Envelope) (bool, error) {
	data, err := env.Marshal()
	if err != nil {
		m.failed.Add(1)
		m.logger.Error("envelope not serializable", map[string]interface{}{
			"key":   env.Key(),
			"error": err.Error(),
		})
		return false, nil
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			m.dropped.Add(1)
			return false, nil
		}
	}

	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false, err
	}
	m.touch()
	return true, nil
}

func (m *Manager) writeClose(conn *websocket.Conn) {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.session.LastActivity = time.Now()
	m.mu.Unlock()
}

// readLoop parses inbound frames into commands until the connection fails.
func (m *Manager) readLoop(conn *websocket.Conn, errCh chan<- error, done chan<- struct{}) {
	defer close(done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		m.touch()
		m.OnMessage(data)
	}
}

// OnMessage parses one inbound frame and queues the command. Malformed
// frames are counted and discarded.
func (m *Manager) OnMessage(raw []byte) {
	cmd, err := envelope.ParseCommand(raw)
	if err != nil {
		n := m.malformed.Add(1)
		m.logger.Warn("malformed inbound frame", map[string]interface{}{
			"error":     err.Error(),
			"malformed": n,
		})
		return
	}

	select {
	case m.commands <- cmd:
	default:
		m.logger.Warn("inbound queue full, discarding command", map[string]interface{}{
			"type": cmd.Type,
			"id":   cmd.ID,
		})
	}
}

// sendLiveness writes one beat through the manager goroutine.
func (m *Manager) sendLiveness(ctx context.Context, beat heartbeat.Beat) error {
	req := writeReq{
		env: envelope.Envelope{
			Source:    m.config.Source,
			Topic:     LivenessTopic,
			Payload:   beat.Payload(),
			Timestamp: beat.Timestamp,
		},
		done: make(chan error, 1),
	}

	select {
	case m.liveCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.doneCh:
		return ErrClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// escalate forces a reconnect after repeated liveness failures.
func (m *Manager) escalate(failures int) {
	m.logger.Warn("liveness sends failing, forcing reconnect", map[string]interface{}{
		"failures": failures,
	})
	m.ForceReconnect(fmt.Errorf("%d consecutive liveness failures", failures))
}

// ForceReconnect drops the current session and reconnects. A request made
// while no session is up is discarded by the next dial.
func (m *Manager) ForceReconnect(cause error) {
	select {
	case m.kickCh <- cause:
	default:
	}
}

// clearKick discards a reconnect request aimed at an earlier session.
func (m *Manager) clearKick() {
	select {
	case <-m.kickCh:
	default:
	}
}

func (m *Manager) setState(sc StateChange) {
	from := State(m.state.Swap(int32(sc.To)))
	if from == sc.To && sc.To != StateReconnecting {
		return
	}
	sc.From = from
	sc.At = time.Now()

	fields := map[string]interface{}{"endpoint": redact(m.endpoint)}
	if sc.Delay > 0 {
		fields["delay"] = sc.Delay.String()
	}
	if sc.Session != "" {
		fields["session"] = sc.Session
	}
	if sc.Err != nil {
		fields["error"] = sc.Err.Error()
	}
	m.logger.ConnectionState(from.String(), sc.To.String(), sc.Attempt, fields)

	m.mu.RLock()
	observers := make([]func(StateChange), len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()

	for _, fn := range observers {
		fn(sc)
	}
}
