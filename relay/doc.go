// Package relay runs the per-relay event loops that move control-bus state
// to the downstream consumer.
//
// A Loop is the single logical worker of one relay. Its goroutine owns the
// subscription registry and whatever state the relay Handler keeps, so
// handlers never lock. Bus deliveries, inbound commands, timer ticks and
// connection state changes are all serialized through one select.
//
// Three handlers are provided:
//
//   - Streams relays events or telemetry of configured components.
//   - Heartbeats watches component heartbeats and reports liveness.
//   - Queue tracks the job queue and the per-job streams.
//
// Every envelope a relay publishes is kept in a state.Store keyed by
// "<relay>.<source>.<topic>" and served back through the initial_state
// command.
package relay
