// Package timer provides the monotonic timer abstraction that every other
// component schedules against: the channel's retransmission backoff, the
// delayed-ACK timer, and the peer coordinator's reconnect timer and
// HELLO retry all go through an Engine
// rather than calling time.AfterFunc directly, so that a discrete-event
// simulator (an external collaborator, out of scope for this module) can
// substitute virtual time without any caller changing.
package timer

import "time"

// Cancelable is a single scheduled callback.
type Cancelable interface {
	// Stop cancels the timer. It returns false if the timer has already
	// fired or been stopped. A stopped timer guarantees no further callback.
	Stop() bool
	// Reset reschedules the timer to fire d from now, as if newly created.
	Reset(d time.Duration) bool
}

// Engine is the pluggable clock + scheduler every timer-owning component
// depends on.
type Engine interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Cancelable
}

// Real is the production Engine, backed by the runtime's wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Cancelable {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool                  { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool  { return r.t.Reset(d) }

// Default is the Engine used when a component is not given one explicitly.
var Default Engine = Real{}
