// Package state keeps the last published envelope of each stream.
//
// Relays write every envelope they send under "<relay>.<source>.<topic>" and read
// it back to answer initial_state requests from a consumer that connected
// after the stream went quiet.
//
// # Backends
//
//   - MemoryStore: in process, the default
//   - NATSStore: JetStream KV bucket on the control-bus connection
//   - RedisStore: shared across bridge processes
//
// # Usage
//
//	store := state.NewMemoryStore()
//	defer store.Close()
//
//	store.Put("ATDome:0.logevent_azimuthState", data, time.Hour)
//	val, err := store.Get("ATDome:0.logevent_azimuthState")
//	if errors.Is(err, state.ErrNotFound) {
//	    // nothing published yet
//	}
//
//	keys, _ := store.Keys("ATDome:0.*")
package state
