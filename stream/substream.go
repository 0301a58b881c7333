package stream

import (
	"time"

	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/wirefmt"
)

// OpenSubstream mints a new child stream under s, attached to the same
// channel s is currently attached to. The
// Init frame establishing it on the wire is sent lazily by the transmit
// scheduler the next time the mux drains ready streams.
func (s *Stream) OpenSubstream(priority uint32) (*Stream, error) {
	s.mu.Lock()
	owner := s.owner
	parentUSID := s.USID
	s.mu.Unlock()
	if owner == nil {
		return nil, errs.NewProtocolError("stream: cannot open a substream before the parent is attached")
	}

	usid := wirefmt.USID{ChannelHalf: owner.localChannelHalf, Counter: owner.nextUSIDCounter()}
	child := newStream(usid, &parentUSID)
	child.owner = owner
	child.parent = s
	child.priority = priority
	child.state = StateConnected

	owner.mu.Lock()
	owner.usidIndex[usid] = child
	owner.mu.Unlock()

	owner.enqueueReady(child)
	return child, nil
}

// AcceptSubstream returns the next substream the peer has opened under s,
// blocking up to timeout. Requires s.Listen to have been called with
// something other than ListenReject.
func (s *Stream) AcceptSubstream(timeout time.Duration) (*Stream, bool) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if len(s.receivedSubstreams) > 0 {
			child := s.receivedSubstreams[0]
			s.receivedSubstreams = s.receivedSubstreams[1:]
			s.mu.Unlock()
			return child, true
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		wait := remaining
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

// OnNewSubstream registers a callback invoked whenever the peer opens a
// substream under s, in addition to (not instead of) AcceptSubstream's
// queue.
func (s *Stream) OnNewSubstream(fn func(*Stream)) {
	s.mu.Lock()
	s.onNewSubstream = fn
	s.mu.Unlock()
}
