package stream

import (
	"time"

	"github.com/sssproto/sss/errs"
)

// datagramRing holds complete, order-independent messages delivered via
// the stateless datagram path: each queued
// record is exactly one WriteDatagram call's worth of bytes, with no
// relation to the stream's ordered byte sequence.
type datagramRing struct {
	items [][]byte
	max   int
}

func newDatagramRing(max int) *datagramRing { return &datagramRing{max: max} }

func (r *datagramRing) push(b []byte) {
	if len(r.items) >= r.max {
		r.items = r.items[1:] // oldest-drop under pressure; datagrams are best-effort
	}
	r.items = append(r.items, b)
}

func (r *datagramRing) pop() ([]byte, bool) {
	if len(r.items) == 0 {
		return nil, false
	}
	b := r.items[0]
	r.items = r.items[1:]
	return b, true
}

// WriteDatagram sends a message on s. An unreliable payload at or under
// maxStatelessDatagramSize rides the stream's own LSID as a single
// STREAM frame with NoAck set, outside the ack and retransmission
// bookkeeping, so it is not resent on loss; if the stream is not yet
// attached to the channel, that frame carries the Init fields. Anything larger, or anything marked reliable
// regardless of size, is sent as an ephemeral substream instead: opened,
// written as one record, and closed in a single non-blocking call, so the
// peer receives and accepts it exactly like any other substream.
func (s *Stream) WriteDatagram(data []byte, reliable bool) error {
	if !reliable && len(data) <= maxStatelessDatagramSize {
		s.mu.Lock()
		if s.wClosed {
			s.mu.Unlock()
			return errs.ErrStreamClosed
		}
		if s.outDatagrams == nil {
			s.outDatagrams = newDatagramRing(64)
		}
		s.outDatagrams.push(append([]byte(nil), data...))
		s.mu.Unlock()
		s.enqueueForTransmit()
		return nil
	}

	child, err := s.OpenSubstream(0)
	if err != nil {
		return err
	}
	if _, err := child.WriteRecord(data); err != nil {
		return err
	}
	return child.Shutdown(ShutdownClose)
}

// ReadDatagram returns the next received datagram, if any, blocking up to
// timeout.
func (s *Stream) ReadDatagram(timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.inDatagrams != nil {
			if b, ok := s.inDatagrams.pop(); ok {
				s.mu.Unlock()
				return b, true
			}
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

func (s *Stream) receiveDatagram(data []byte) {
	s.mu.Lock()
	if s.inDatagrams == nil {
		s.inDatagrams = newDatagramRing(64)
	}
	s.inDatagrams.push(append([]byte(nil), data...))
	s.mu.Unlock()
	s.wakeRead()
}
