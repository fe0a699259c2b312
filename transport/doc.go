// Package transport owns the outbound stream to the downstream consumer.
//
// # Overview
//
// A Manager keeps one websocket session alive. It dials with the
// credential as the password query parameter, reconnects with exponential
// backoff, emits liveness envelopes and buffers envelopes while the stream
// is down. Inbound frames are parsed into commands and handed to the
// owning relay through Commands().
//
// # Lifecycle
//
//	Connecting ──ok──> Connected ──error──> Reconnecting ──backoff──> Connected
//	     │                 │                      │
//	     └──fail──> Reconnecting                  │
//	                       └──── Close / cancel ──┴──> Disconnected
//
// # Usage
//
//	m, _ := transport.NewManager(transport.Config{
//	    URL:        "love-manager:8000/manager/ws/subscription",
//	    Credential: password,
//	    Source:     "lovebridge-events",
//	})
//	m.OnStateChange(func(sc transport.StateChange) { ... })
//	m.Start(ctx)
//
//	m.Send(env) // never blocks
//	for cmd := range m.Commands() {
//	    if reply, ok := mux.Dispatch(ctx, cmd); ok {
//	        m.Send(reply)
//	    }
//	}
//
// # Delivery
//
//   - Envelopes leave in Send order; buffered ones drain oldest first on reconnect
//   - A full buffer drops the newest envelope and counts it in Stats.Dropped
//   - An envelope whose write fails is counted in Stats.Failed and not resent
//
// # Thread Safety
//
// Send, Stats, State and Close are safe for concurrent use. All socket
// writes happen on the manager goroutine.
package transport
