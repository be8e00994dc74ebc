// Package wake provides the coalescing notification that lets task
// mutations interrupt the scheduler's idle wait.
package wake

// Signal is a single-slot notification. Notify while a signal is already
// pending is a no-op, so any burst of mutations collapses into one wake.
type Signal struct {
	c chan struct{}
}

func New() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

// Notify sets the pending signal without blocking.
func (s *Signal) Notify() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// C returns the channel to select on while idle.
func (s *Signal) C() <-chan struct{} { return s.c }

// Drain clears a pending signal, if any. The scheduler calls this after
// every wake so a signal raised just before a timer fire does not cause
// a redundant extra cycle.
func (s *Signal) Drain() {
	select {
	case <-s.c:
	default:
	}
}
