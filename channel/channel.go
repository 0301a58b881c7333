// Package channel implements the Channel component: a single
// authenticated session between local host and one peer over one (local
// socket, remote endpoint) pair — sequence assignment, ACK
// generation/consumption, loss inference, retransmission, congestion
// control, and link status. The channel knows nothing about frames or
// streams; it moves opaque payload bytes and calls back into whatever
// layer assembled them (the framing/stream-multiplexer layer) on delivery
// and on loss.
package channel

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sssproto/sss/armor"
	"github.com/sssproto/sss/congestion"
	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/internal/worker"
	"github.com/sssproto/sss/timer"
	"github.com/sssproto/sss/wirefmt"
)

// Tunables.
const (
	RetryMin = 500 * time.Millisecond
	RetryMax = 60 * time.Second
	FailMax  = 20 * time.Second

	// delayedAckMin/delayedAckMax bound the delayed-ACK timer, which
	// otherwise waits one RTT/4.
	delayedAckMin = 5 * time.Millisecond
	delayedAckMax = 200 * time.Millisecond
)

// LinkStatus is the channel's observable health.
type LinkStatus int

const (
	LinkUp LinkStatus = iota
	LinkStalled
	LinkDown
)

func (s LinkStatus) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkStalled:
		return "stalled"
	case LinkDown:
		return "down"
	default:
		return "unknown"
	}
}

// Socket is the external collaborator contract this module needs from the
// UDP socket abstraction: send one datagram to an endpoint.
type Socket interface {
	SendTo(remote net.Addr, data []byte) error
}

// Channel is a single authenticated, sequenced, flow-controlled session to
// one peer over one (socket, endpoint) pair. Exclusively owned by its peer.
type Channel struct {
	worker.Worker

	log *log.Logger
	mu  sync.Mutex

	socket Socket
	remote net.Addr

	armorScheme armor.Armor

	// TxHalfID/RxHalfID are the 8-byte channel-half identifiers mixed into
	// the packet nonce and used as the channel-half component of every
	// USID minted on this channel.
	TxHalfID [8]byte
	RxHalfID [8]byte

	// RecvTag is the 8-bit discriminator this host assigned so inbound
	// packets addressed to this channel can be dispatched without a table
	// scan; SendTag is the discriminator the remote peer
	// assigned for packets traveling the other way. Both are exchanged
	// during channel setup (the initiator's in Initiate, the responder's in
	// the final Message; see kex.SessionKeys) since the 8-bit wire field is
	// too small to carry either half-id directly.
	RecvTag uint8
	SendTag uint8

	nextTxSeq  uint64 // next sequence to assign; starts at 1
	highestAck uint64

	expectedRxSeq       uint64 // predicted next inbound sequence, for ExtendSequence
	highestRxContiguous uint64
	pendingAckCount     uint8 // consecutive packets received since the last ACK was sent
	seenRx              map[uint64]bool

	cwnd          congestion.Strategy
	inFlightBytes uint64

	retransmit *retransmitQueue

	engine         timer.Engine
	rtoTimer       timer.Cancelable
	rtoBackoff     time.Duration
	lastAckAt      time.Time
	delayedAckTmr  timer.Cancelable
	sentSinceAck   bool

	linkStatus LinkStatus

	badAuthCount uint64

	onDeliver           func(payload []byte)
	onLinkStatusChanged func(LinkStatus)
	onLost              func(seq uint64, payload []byte, wasExpired bool)
	onAcked             func(seq uint64)

	started bool
	stopped bool
}

// Config bundles everything Channel needs at construction that is
// externally supplied (keys from key exchange, socket from the host
// registry, callbacks from the framing layer).
type Config struct {
	Socket      Socket
	Remote      net.Addr
	Armor       armor.Armor
	TxHalfID    [8]byte
	RxHalfID    [8]byte
	RecvTag     uint8
	SendTag     uint8
	Congestion  congestion.Strategy
	Engine      timer.Engine
	Log         *log.Logger
	OnDeliver           func(payload []byte)
	OnLinkStatusChanged func(LinkStatus)
	OnLost              func(seq uint64, payload []byte, wasExpired bool)
	OnAcked             func(seq uint64)
}

// New constructs a Channel in its initial, not-yet-started state.
func New(cfg Config) *Channel {
	if cfg.Engine == nil {
		cfg.Engine = timer.Default
	}
	if cfg.Congestion == nil {
		cfg.Congestion = congestion.NewReno()
	}
	lg := cfg.Log
	if lg == nil {
		lg = log.Default()
	}
	c := &Channel{
		log:                 lg.WithPrefix("channel"),
		socket:              cfg.Socket,
		remote:              cfg.Remote,
		armorScheme:         cfg.Armor,
		TxHalfID:            cfg.TxHalfID,
		RxHalfID:            cfg.RxHalfID,
		RecvTag:             cfg.RecvTag,
		SendTag:             cfg.SendTag,
		nextTxSeq:           1,
		expectedRxSeq:       1,
		seenRx:              make(map[uint64]bool),
		cwnd:                cfg.Congestion,
		engine:              cfg.Engine,
		rtoBackoff:          RetryMin,
		linkStatus:          LinkDown,
		onDeliver:           cfg.OnDeliver,
		onLinkStatusChanged: cfg.OnLinkStatusChanged,
		onLost:              cfg.OnLost,
		onAcked:             cfg.OnAcked,
	}
	c.retransmit = newRetransmitQueue()
	return c
}

// Start activates the channel. initiating marks this side as the
// key-exchange initiator, which callers use to decide tie-breaking during
// channel migration; the channel itself treats both sides symmetrically
// once live.
func (c *Channel) Start(initiating bool) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.lastAckAt = c.engine.Now()
	c.setLinkStatusLocked(LinkUp)
	c.mu.Unlock()

	c.log.Infof("channel started (initiating=%v)", initiating)
	c.armRTOLocked()
}

// Stop tears the channel down: cancels timers, clears in-flight records,
// and hands every outstanding TX payload back to onLost so the owning
// streams can reattach elsewhere.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.rtoTimer != nil {
		c.rtoTimer.Stop()
	}
	if c.delayedAckTmr != nil {
		c.delayedAckTmr.Stop()
	}
	records := c.retransmit.drainAll()
	c.setLinkStatusLocked(LinkDown)
	c.mu.Unlock()

	for _, r := range records {
		if c.onLost != nil {
			c.onLost(r.seq, r.payload, false)
		}
	}
	c.Halt()
	c.Wait()
}

// Status returns the current link status.
func (c *Channel) Status() LinkStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkStatus
}

func (c *Channel) setLinkStatusLocked(s LinkStatus) {
	if c.linkStatus == s {
		return
	}
	c.linkStatus = s
	cb := c.onLinkStatusChanged
	if cb != nil {
		go cb(s)
	}
}

// Transmit encrypts payload, assigns the next sequence, sends it, and (if
// isData) reserves a retransmission record. It returns the assigned
// sequence.
func (c *Channel) Transmit(payload []byte, isData bool) (uint64, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, errs.NewConnectionError("channel: transmit on stopped channel")
	}
	seq := c.nextTxSeq
	c.nextTxSeq++

	ackCount, ackSeq := c.ackFieldsLocked()
	hdr := wirefmt.Header{
		ChannelTag: c.SendTag,
		SeqLow:     uint32(seq & 0x00FFFFFF),
		AckCount:   ackCount,
		AckSeqLow:  uint32(ackSeq & 0x00FFFFFF),
	}
	c.sentSinceAck = true
	if isData {
		c.retransmit.add(seq, payload, c.engine.Now())
		c.inFlightBytes += uint64(len(payload))
	}
	remote := c.remote
	c.mu.Unlock()

	cipher := c.armorScheme.Seal(c.TxHalfID, seq, payload)
	wire := hdr.Encode()
	out := make([]byte, 0, len(wire)+len(cipher))
	out = append(out, wire[:]...)
	out = append(out, cipher...)

	if err := c.socket.SendTo(remote, out); err != nil {
		return seq, err
	}
	return seq, nil
}

// ackFieldsLocked computes the consecutive-ACK count/sequence to piggyback
// on the next outbound packet. Caller holds c.mu.
func (c *Channel) ackFieldsLocked() (count uint8, seq uint64) {
	n := uint8(0)
	s := c.highestRxContiguous
	// Every sequence in 1..s has been received, so s, s-1, ..., s-n are
	// all covered for any n < s (capped by the 4-bit field).
	for n < 15 && s > uint64(n)+1 {
		n++
	}
	c.pendingAckCount = 0
	return n, s
}

// Acknowledge records that received_sequence was processed, advancing
// highest-received-contiguous bookkeeping. forceAckPacket schedules an
// immediate pure-ACK if no data transmission already carries the ack.
func (c *Channel) Acknowledge(receivedSeq uint64, forceAckPacket bool) {
	c.mu.Lock()
	c.seenRx[receivedSeq] = true
	for c.seenRx[c.highestRxContiguous+1] {
		c.highestRxContiguous++
		delete(c.seenRx, c.highestRxContiguous)
	}
	c.pendingAckCount++
	c.mu.Unlock()

	if forceAckPacket {
		c.sendPureAck()
	} else {
		c.armDelayedAck()
	}
}

func (c *Channel) sendPureAck() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	ackCount, ackSeq := c.ackFieldsLocked()
	hdr := wirefmt.Header{
		ChannelTag: c.SendTag,
		SeqLow:     0,
		AckCount:   ackCount,
		AckSeqLow:  uint32(ackSeq & 0x00FFFFFF),
	}
	c.sentSinceAck = true
	remote := c.remote
	c.mu.Unlock()

	wire := hdr.Encode()
	cipher := c.armorScheme.Seal(c.TxHalfID, 0, nil)
	out := append(append([]byte{}, wire[:]...), cipher...)
	_ = c.socket.SendTo(remote, out)
}

func (c *Channel) armDelayedAck() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.sentSinceAck {
		// piggybacked on the next data packet already in flight; nothing
		// extra to schedule.
		c.sentSinceAck = false
		c.mu.Unlock()
		return
	}
	if c.delayedAckTmr != nil {
		c.mu.Unlock()
		return
	}
	delay := delayedAckMin
	if rr, ok := c.cwnd.(interface{ LastRTT() time.Duration }); ok {
		if rtt := rr.LastRTT(); rtt > 0 {
			delay = rtt / 4
			if delay < delayedAckMin {
				delay = delayedAckMin
			}
			if delay > delayedAckMax {
				delay = delayedAckMax
			}
		}
	}
	c.delayedAckTmr = c.engine.AfterFunc(delay, func() {
		c.mu.Lock()
		c.delayedAckTmr = nil
		c.mu.Unlock()
		c.sendPureAck()
	})
	c.mu.Unlock()
}

// HandleDatagram decodes one received datagram: parses the plaintext
// header, reconstructs the full sequence, opens the armor, and — on
// success — processes the piggybacked ACK and delivers the payload
// upward. Authentication failures are dropped silently: never surfaced,
// never closing the channel.
func (c *Channel) HandleDatagram(raw []byte) {
	hdr, err := wirefmt.DecodeHeader(raw)
	if err != nil {
		return
	}
	body := raw[wirefmt.HeaderSize:]

	c.mu.Lock()
	expected := c.expectedRxSeq
	rxHalf := c.RxHalfID
	c.mu.Unlock()

	seq := wirefmt.ExtendSequence(hdr.SeqLow, expected)

	plaintext, err := c.armorScheme.Open(rxHalf, seq, body)
	if err != nil {
		c.mu.Lock()
		c.badAuthCount++
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if seq >= c.expectedRxSeq {
		c.expectedRxSeq = seq + 1
	}
	duplicate := seq <= c.highestRxContiguous || c.seenRx[seq]
	c.seenRx[seq] = true
	ackSeq := uint64(hdr.AckSeqLow)
	ackCount := hdr.AckCount
	c.mu.Unlock()

	c.processAck(ackSeq, ackCount)

	if duplicate {
		return
	}

	isPureAck := hdr.SeqLow == 0 && len(plaintext) == 0
	if !isPureAck && c.onDeliver != nil {
		c.onDeliver(plaintext)
	}

	c.Acknowledge(seq, false)
}

// processAck advances highest_ack from a received (ack-count, ack-seq)
// pair meaning "packets ackSeq, ackSeq-1, ..., ackSeq-ackCount were
// received". Matching or stale ACKs are idempotent: duplicate ACKs never re-advance highest_ack or double-count newAcks.
func (c *Channel) processAck(ackSeq uint64, ackCount uint8) {
	if ackSeq == 0 {
		return
	}
	lowWatermark := uint64(0)
	if ackSeq > uint64(ackCount) {
		lowWatermark = ackSeq - uint64(ackCount)
	}

	c.mu.Lock()
	if ackSeq <= c.highestAck {
		c.mu.Unlock()
		return
	}
	prevHighest := c.highestAck
	c.highestAck = ackSeq
	removed := c.retransmit.ackThrough(lowWatermark, ackSeq)
	for _, r := range removed {
		c.inFlightBytes -= uint64(len(r.payload))
	}
	wasStalled := c.linkStatus != LinkUp
	c.rtoBackoff = RetryMin
	c.lastAckAt = c.engine.Now()
	if wasStalled {
		c.setLinkStatusLocked(LinkUp)
	}
	c.mu.Unlock()

	if len(removed) > 0 {
		c.cwnd.Update(uint32(len(removed)))
	}
	_ = prevHighest

	if c.onAcked != nil {
		for _, r := range removed {
			c.onAcked(r.seq)
		}
	}

	c.armRTOLocked()
}

// MayTransmit reports whether the channel currently has budget (congestion
// window minus in-flight) to send more data.
func (c *Channel) MayTransmit(peerAdvertisedWindow uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cwndBytes := uint64(c.cwnd.TxWindow()) * 1280
	budget := cwndBytes
	if peerAdvertisedWindow < budget {
		budget = peerAdvertisedWindow
	}
	return c.inFlightBytes < budget
}

// NotifyDecongestion passes an explicit DECONGESTION hint from the peer
// through to the congestion strategy, so it can back off without waiting
// for a loss to be inferred.
func (c *Channel) NotifyDecongestion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cwnd.Notify()
}

// BadAuthCount returns the number of datagrams dropped for failing
// authentication (diagnostics only).
func (c *Channel) BadAuthCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.badAuthCount
}

// armRTOLocked (re)schedules the retransmission timer for the oldest
// in-flight packet, implementing exponential backoff.
func (c *Channel) armRTOLocked() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.rtoTimer != nil {
		c.rtoTimer.Stop()
		c.rtoTimer = nil
	}
	if c.retransmit.len() == 0 {
		c.mu.Unlock()
		return
	}
	backoff := c.rtoBackoff
	c.rtoTimer = c.engine.AfterFunc(backoff, c.onRTO)
	c.mu.Unlock()
}

func (c *Channel) onRTO() {
	c.mu.Lock()
	if c.stopped || c.retransmit.len() == 0 {
		c.mu.Unlock()
		return
	}
	oldest, ok := c.retransmit.oldest()
	if !ok {
		c.mu.Unlock()
		return
	}

	now := c.engine.Now()
	age := now.Sub(c.lastAckAt)
	if age >= FailMax {
		c.setLinkStatusLocked(LinkDown)
		records := c.retransmit.drainAll()
		c.inFlightBytes = 0
		c.mu.Unlock()
		c.cwnd.Timeout()
		for _, r := range records {
			if c.onLost != nil {
				c.onLost(r.seq, r.payload, true)
			}
		}
		return
	}

	if c.linkStatus == LinkUp {
		c.setLinkStatusLocked(LinkStalled)
	}

	c.rtoBackoff *= 2
	if c.rtoBackoff > RetryMax {
		c.rtoBackoff = RetryMax
	}
	c.retransmit.remove(oldest.seq)
	c.inFlightBytes -= uint64(len(oldest.payload))
	c.mu.Unlock()

	c.cwnd.Missed(oldest.seq)
	if c.onLost != nil {
		c.onLost(oldest.seq, oldest.payload, false)
	}

	c.armRTOLocked()
}

// channelIDBytes is a small helper used by callers (e.g. kex) that need to
// turn a uint64 counter into the fixed 8-byte form used for half-ids.
func channelIDBytes(v uint64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b
}
