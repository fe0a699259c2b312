// Package heartbeat provides liveness tracking in both directions.
//
// # Overview
//
// A Monitor watches control-bus sources. Each source has an expected beat
// interval (timeout) and a miss threshold. Every whole timeout elapsed
// since the last beat counts as one miss; one miss makes the source
// suspect, threshold misses make it lost. A single beat resets the count
// and recovers the source.
//
// A Sender emits this bridge's own liveness beats downstream and escalates
// when consecutive sends fail, so the owner can force a reconnect.
//
// # Architecture
//
//	  beats (<topic>.logevent_heartbeat)         envelopes
//	┌─────────┐   Observe    ┌─────────┐   Event   ┌──────────┐
//	│   bus   │ ───────────> │ Monitor │ ────────> │  relay   │
//	└─────────┘     Tick ──> └─────────┘           └──────────┘
//
//	┌─────────┐   SendFunc   ┌───────────┐  OnEscalate  ┌─────────┐
//	│ Sender  │ ───────────> │ transport │ <─────────── │ Sender  │
//	└─────────┘              └───────────┘              └─────────┘
//
// # State machine
//
//	unknown ──beat──> alive ──miss──> suspect ──misses>=threshold──> lost
//	   │                ^                │                            │
//	   └──timeout──> suspect             └───────────beat─────────────┘
//
// A source is unknown until its first beat or until one timeout passes
// after registration. EventLost fires once per transition; later misses
// while lost are reported as EventMissed.
//
// # Usage
//
//	mon, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Timeout:   15 * time.Second,
//	    Threshold: 5,
//	})
//	mon.Register("ATDome:0", time.Now())
//	events := mon.Observe("ATDome:0", time.Now())
//	events = append(events, mon.Tick(time.Now())...)
//
// The Monitor is not safe for concurrent use. It is driven by one loop.
package heartbeat
