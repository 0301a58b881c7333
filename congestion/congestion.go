// Package congestion implements the channel's pluggable congestion window
// strategy. The window is expressed in packets. A minimal
// conformant strategy is TCP-Reno-style slow-start then
// additive-increase/multiplicative-decrease; no third-party congestion
// control library exists in the retrieval pack, so this is implemented
// directly (a small, self-contained numeric state machine, not a place a
// dependency would add value — see DESIGN.md).
package congestion

import "time"

// Strategy is the interface the channel schedules transmission against.
type Strategy interface {
	// TxWindow returns the current number of packets allowed in flight.
	TxWindow() uint32
	// Reset returns the strategy to its initial slow-start state.
	Reset()
	// Missed is called by the channel with the oldest in-flight sequence
	// each time its retransmission timer fires. The channel does not call
	// it when the ack sequence advances past an unacknowledged packet.
	Missed(seq uint64)
	// Timeout is called when the channel gives up after FailMax without an
	// ACK and declares the link down.
	Timeout()
	// Update is called with the number of newly-acknowledged packets each
	// time an ACK advances highest-ack.
	Update(newAcks uint32)
	// RTTUpdate reports a fresh round-trip sample (pps packets acked in
	// that sample, rtt the measured round trip) so the strategy can tune
	// pacing; Reno only records rtt, which it exposes through LastRTT.
	RTTUpdate(pps uint32, rtt time.Duration)
	// Notify consumes a DECONGESTION frame hint from the peer: an explicit
	// signal to back off without waiting for a loss to be inferred.
	Notify()
}

// Reno is a TCP-Reno-style window: slow-start (exponential growth) until
// the first loss, then additive-increase/multiplicative-decrease.
type Reno struct {
	window    float64 // packets
	ssthresh  float64
	inSlowStart bool
	lastRTT   time.Duration

	minWindow float64
	maxWindow float64
}

// NewReno constructs a Reno strategy starting in slow start with an initial
// window of 2 packets, a generous ceiling, and a floor of 1 packet (a
// channel must always be able to send at least a keepalive/ACK).
func NewReno() *Reno {
	r := &Reno{
		minWindow: 1,
		maxWindow: 1024,
	}
	r.Reset()
	return r
}

func (r *Reno) Reset() {
	r.window = 2
	r.ssthresh = 64
	r.inSlowStart = true
}

func (r *Reno) TxWindow() uint32 {
	w := r.window
	if w < r.minWindow {
		w = r.minWindow
	}
	if w > r.maxWindow {
		w = r.maxWindow
	}
	return uint32(w)
}

func (r *Reno) Missed(seq uint64) {
	r.ssthresh = r.window / 2
	if r.ssthresh < r.minWindow {
		r.ssthresh = r.minWindow
	}
	r.window = r.ssthresh
	r.inSlowStart = false
}

func (r *Reno) Timeout() {
	// A full retransmission timeout is a stronger signal than one missed
	// packet: collapse back to slow start, as TCP Reno does.
	r.ssthresh = r.window / 2
	if r.ssthresh < r.minWindow {
		r.ssthresh = r.minWindow
	}
	r.window = r.minWindow
	r.inSlowStart = true
}

func (r *Reno) Update(newAcks uint32) {
	for i := uint32(0); i < newAcks; i++ {
		if r.inSlowStart {
			r.window += 1
			if r.window >= r.ssthresh {
				r.inSlowStart = false
			}
		} else {
			r.window += 1 / r.window
		}
	}
	if r.window > r.maxWindow {
		r.window = r.maxWindow
	}
}

func (r *Reno) RTTUpdate(pps uint32, rtt time.Duration) {
	r.lastRTT = rtt
}

func (r *Reno) Notify() {
	// Treat an explicit decongestion hint like a mild loss signal.
	r.ssthresh = r.window * 0.75
	if r.ssthresh < r.minWindow {
		r.ssthresh = r.minWindow
	}
	r.window = r.ssthresh
}

// LastRTT returns the most recent RTT sample, or 0 if none yet.
func (r *Reno) LastRTT() time.Duration {
	return r.lastRTT
}
