// Package ratelimit throttles inbound downstream commands.
//
// Each command type gets a token bucket. Buckets start full and refill at
// capacity per window. Types without an explicit capacity share the
// default, if one is set; otherwise they are unlimited.
//
//	t := ratelimit.NewThrottle()
//	t.SetDefault(20, time.Second)
//	t.SetCapacity("set_log_level", 2, time.Second)
//
//	if !t.Allow(cmd.Type) {
//	    // reply with an error instead of running the handler
//	}
package ratelimit
