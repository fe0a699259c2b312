package transport

import (
	"context"
	"time"

	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/envelope"
	"github.com/vinayprograms/lovebridge/logging"
)

// HandlerFunc answers one inbound command with a reply payload.
type HandlerFunc func(ctx context.Context, cmd *envelope.Command) (map[string]any, error)

// Mux routes inbound commands by type. It is not safe for concurrent
// registration; register handlers before dispatching.
type Mux struct {
	source   string
	handlers map[string]HandlerFunc
	logger   *logging.Logger
	now      func() time.Time
}

// NewMux creates a mux whose replies carry source.
func NewMux(source string, logger *logging.Logger) *Mux {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Mux{
		source:   source,
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
		now:      time.Now,
	}
}

// Handle registers h for cmdType, replacing any previous handler.
func (m *Mux) Handle(cmdType string, h HandlerFunc) {
	m.handlers[cmdType] = h
}

// Types returns the registered command types.
func (m *Mux) Types() []string {
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	return out
}

// Dispatch runs the handler for cmd and builds the reply envelope. A
// handler error becomes an error reply. Unknown types are logged and
// discarded with ok=false.
func (m *Mux) Dispatch(ctx context.Context, cmd *envelope.Command) (reply envelope.Envelope, ok bool) {
	h, found := m.handlers[cmd.Type]
	if !found {
		m.logger.Warn("unknown command type", map[string]interface{}{
			"type": cmd.Type,
			"id":   cmd.ID,
		})
		return envelope.Envelope{}, false
	}

	start := m.now()
	payload, err := m.call(ctx, h, cmd)
	m.logger.CommandHandled(cmd.Type, cmd.ID, m.now().Sub(start), err)

	if err != nil {
		return envelope.ErrorReply(m.source, cmd, err, m.now()), true
	}
	return envelope.Reply(m.source, cmd, payload, m.now()), true
}

// call runs h, turning a panic into an internal error.
func (m *Mux) call(ctx context.Context, h HandlerFunc, cmd *envelope.Command) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = bridgeerr.RecoverPanic(r)
		}
	}()
	return h(ctx, cmd)
}
