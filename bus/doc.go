// Package bus provides control-bus clients for the relays.
//
// # Overview
//
// The bridge never owns the control bus. It consumes three primitives from a
// client that is already connected:
//
//   - Subscribe: a stream of samples for a subject or wildcard
//   - ReadLatest: the last sample published on a subject
//   - Request: send a command and wait for the acknowledgement
//
// # Available Implementations
//
//   - NATSBus: NATS core for pub/sub and commands, JetStream for ReadLatest
//   - MemoryBus: In-memory implementation for testing and single-process use
//
// # Subjects
//
// Samples are published on "<topic>.<discriminator>", where the
// discriminator is usually the salIndex of a controller or the id of a job:
//
//	bus.Publish(bus.Subject("Script.logevent_state", "100017"), data)
//	sub, _ := b.Subscribe("Script.logevent_state.>")
//	for msg := range sub.Messages() {
//	    // msg.Subject carries the discriminator as its last token
//	}
//
// Commands follow the same naming and are answered on the reply subject:
//
//	ack, err := b.Request(bus.Subject("Script.cmd_setLogging", "100017"), payload, 2*time.Second)
package bus
