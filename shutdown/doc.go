// Package shutdown stops the bridge in dependency order.
//
// Components register a handler with a phase. On shutdown, phases run in
// ascending order and handlers within a phase run concurrently:
//
//	10 relays       stop consuming deliveries and commands
//	20 connections  drain buffered envelopes, send the close frame
//	30 stores       close state stores
//	40 bus          close the control-bus connection
//	50 telemetry    flush spans
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals() // SIGHUP, SIGINT, SIGTERM
//
//	coord.RegisterFunc("queue", shutdown.PhaseRelays, relay.Stop)
//	coord.RegisterFunc("websocket", shutdown.PhaseConnections, mgr.Close)
//	coord.RegisterFunc("nats", shutdown.PhaseBus, func(context.Context) error {
//	    return b.Close()
//	})
//
//	<-coord.Done()
//
// Shutdown runs once. The context passed to handlers carries the overall
// timeout; a phase that starts after it expires is skipped and Shutdown
// returns ErrTimeout.
package shutdown
