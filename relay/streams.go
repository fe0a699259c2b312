package relay

import (
	"errors"
	"strconv"
	"time"

	"github.com/vinayprograms/lovebridge/bus"
	"github.com/vinayprograms/lovebridge/envelope"
	bridgeerr "github.com/vinayprograms/lovebridge/errors"
	"github.com/vinayprograms/lovebridge/registry"
)

// Kind selects what a Streams relay carries.
type Kind string

const (
	KindEvents    Kind = "events"
	KindTelemetry Kind = "telemetry"
)

// Prefix returns the topic prefix of a stream kind on the bus.
func (k Kind) Prefix() string {
	if k == KindTelemetry {
		return "tel_"
	}
	return "logevent_"
}

// Component is one remote component and the stream names relayed for it.
type Component struct {
	Name    string
	Index   int
	Streams []string
}

// Source returns the envelope source, "Name:index".
func (c Component) Source() string {
	return c.Name + ":" + strconv.Itoa(c.Index)
}

// Discriminator returns the bus discriminator of the component.
func (c Component) Discriminator() string {
	return strconv.Itoa(c.Index)
}

// BusTopic returns the bus topic of one stream, e.g. "ATDome.logevent_summaryState".
func BusTopic(kind Kind, component, stream string) string {
	return component + "." + kind.Prefix() + stream
}

type streamRef struct {
	component Component
	busTopic  string
	topic     string // envelope topic
}

// Streams relays events or telemetry. It keeps no state of its own: each
// sample becomes one envelope.
type Streams struct {
	kind       Kind
	components []Component
	loop       *Loop
	refs       map[string]streamRef // "<source>.<topic>"
}

// NewStreams creates a stateless relay for the given components.
func NewStreams(kind Kind, components []Component) *Streams {
	return &Streams{
		kind:       kind,
		components: components,
		refs:       make(map[string]streamRef),
	}
}

// Setup subscribes every configured stream.
func (s *Streams) Setup(l *Loop) error {
	s.loop = l
	l.SetLatest(s.latest)

	var errs []error
	for _, c := range s.components {
		for _, name := range c.Streams {
			ref := streamRef{
				component: c,
				busTopic:  BusTopic(s.kind, c.Name, name),
				topic:     s.kind.Prefix() + name,
			}
			if err := l.Registry().Subscribe(ref.busTopic, c.Discriminator(), s.onSample(ref)); err != nil {
				errs = append(errs, bridgeerr.Wrap(err, "subscribe "+ref.busTopic))
				continue
			}
			s.refs[c.Source()+"."+ref.topic] = ref
		}
	}
	if len(s.refs) == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		l.Logger().Warn("stream not relayed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func (s *Streams) onSample(ref streamRef) registry.Callback {
	return func(d registry.Delivery) {
		sample, err := envelope.DecodeMessage(d.Topic, d.Message)
		if err != nil {
			s.loop.Malformed(d.Message.Subject, err)
			return
		}
		sample.Topic = ref.topic
		s.loop.Publish(envelope.Produce(ref.component.Source(), sample))
	}
}

// latest reads the last sample of a stream straight from the bus.
func (s *Streams) latest(source, topic string) (envelope.Envelope, error) {
	ref, ok := s.refs[source+"."+topic]
	if !ok {
		return envelope.Envelope{}, bridgeerr.NotFound("stream "+source+" "+topic+" not relayed",
			bridgeerr.WithRelay(s.loop.Name()))
	}
	subject := bus.Subject(ref.busTopic, ref.component.Discriminator())
	msg, err := s.loop.Bus().ReadLatest(subject)
	if err != nil {
		if errors.Is(err, bus.ErrNoSample) {
			return envelope.Envelope{}, bridgeerr.NotFound("no sample on "+subject, bridgeerr.WithRelay(s.loop.Name()))
		}
		return envelope.Envelope{}, bridgeerr.BusUnavailable(subject, err)
	}
	sample, err := envelope.DecodeMessage(ref.busTopic, msg)
	if err != nil {
		s.loop.Malformed(subject, err)
		return envelope.Envelope{}, err
	}
	sample.Topic = ref.topic
	return envelope.Produce(ref.component.Source(), sample), nil
}

// Tick does nothing; streams have no timers.
func (s *Streams) Tick(time.Time) {}

// Flush does nothing; every sample is published as it arrives.
func (s *Streams) Flush() {}

// Connected re-sends the last known state of every stream.
func (s *Streams) Connected() {
	if n := s.loop.ResendStored(); n > 0 {
		s.loop.Logger().Debug("initial state re-sent", map[string]interface{}{"envelopes": n})
	}
}
