package health

import "sync/atomic"

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness gate. Called with false at the start of a
// graceful shutdown so the load balancer drains the instance before the
// listener closes.
func SetReady(v bool) { ready.Store(v) }

// Ready reports the current state of the readiness gate.
func Ready() bool { return ready.Load() }
