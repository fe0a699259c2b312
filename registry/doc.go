// Package registry provides the subscription registry used by the relays.
//
// # Overview
//
// Relays subscribe to (topic, discriminator) pairs, e.g. the state stream of
// one job: ("Script.logevent_state", "100017"). Every pair on a topic shares
// one bus subscription on "<topic>.>", reference-counted and released with
// its last pair. The discriminator of a delivery is the subject suffix
// after the topic.
//
// # Delivery
//
//	bus sub ─> pump ─┐
//	bus sub ─> pump ─┼─> inbox ─> relay loop ─> Dispatch ─> callback
//	bus sub ─> pump ─┘
//
// One pump per bus subscription keeps bus order, so callbacks for the same
// pair run strictly in receive order. Pairs on different topics have no
// relative ordering.
//
// # Usage
//
//	reg := registry.New(b, registry.DefaultConfig(), logger)
//	reg.Subscribe("Script.logevent_state", "100017", onState)
//
//	for {
//	    select {
//	    case d := <-reg.Deliveries():
//	        reg.Dispatch(d)
//	    case <-ctx.Done():
//	        return reg.Close()
//	    }
//	}
//
// Subscribe, Unsubscribe and Dispatch are not safe for concurrent use; the
// owning loop is their only caller.
package registry
