package stream

import (
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sssproto/sss/armor"
	"github.com/sssproto/sss/channel"
	"github.com/sssproto/sss/congestion"
	"github.com/sssproto/sss/internal/worker"
	"github.com/sssproto/sss/timer"
	"github.com/sssproto/sss/wirefmt"
)

// maxFramePayload is the per-frame data budget, leaving headroom under a
// conservative 1280-byte UDP-safe datagram for the plaintext header, armor
// tag, and any other frames sharing the packet.
const maxFramePayload = 1100

// pumpInterval is the scheduler's fallback wake period; it also re-checks
// MayTransmit() as the congestion window opens from new ACKs.
const pumpInterval = 20 * time.Millisecond

// ChannelMux owns a channel's per-direction "LSID -> stream attachment"
// tables. Channel itself stays deliberately unaware of frames and streams
// to avoid an import cycle (stream must import channel; channel must not
// import stream). ChannelMux wraps one *channel.Channel,
// owns the attachment tables, assembles/disassembles frames, and runs the
// priority-ordered transmit scheduler that decides which ready stream's
// bytes go into the channel's next Transmit call.
type ChannelMux struct {
	worker.Worker

	mu  sync.Mutex
	log *log.Logger

	ch *channel.Channel

	txAlloc   *lsidAllocator
	txByLSID  map[LSID]*Stream
	rxByLSID  map[LSID]*Stream
	usidIndex map[wirefmt.USID]*Stream

	sched *transmitScheduler

	root *Stream

	localChannelHalf [8]byte
	usidCounter      uint64

	peerWindowBytes uint64
	pendingBySeq    map[uint64]ackTarget

	kickCh chan struct{}
}

// ackTarget records which stream/offset a channel sequence number's payload
// came from, so the channel's OnAcked callback (seq-granular) can be
// translated back into the stream's byte-offset-granular bookkeeping, and
// so a TxAttaching init frame's ack can flip the attachment to TxActive.
type ackTarget struct {
	stream *Stream
	offset uint64
	lsid   LSID
	isInit bool
}

// MuxConfig bundles the channel.Config fields the mux needs to pass through
// plus the channel-half identity used to mint USIDs for streams this side
// opens.
type MuxConfig struct {
	Socket              channel.Socket
	Remote              net.Addr
	Armor               armor.Armor
	TxHalfID            [8]byte
	RxHalfID            [8]byte
	RecvTag             uint8
	SendTag             uint8
	Congestion          congestion.Strategy
	Engine              timer.Engine
	Log                 *log.Logger
	OnLinkStatusChanged func(channel.LinkStatus)
}

// NewChannelMux constructs the channel and its owning multiplexer together,
// wiring the channel's delivery/loss callbacks back into the mux so that
// nothing but this package ever sees a raw channel payload.
func NewChannelMux(cfg MuxConfig) *ChannelMux {
	lg := cfg.Log
	if lg == nil {
		lg = log.Default()
	}
	m := &ChannelMux{
		log:              lg.WithPrefix("mux"),
		txAlloc:          newLSIDAllocator(),
		txByLSID:         make(map[LSID]*Stream),
		rxByLSID:         make(map[LSID]*Stream),
		usidIndex:        make(map[wirefmt.USID]*Stream),
		sched:            newTransmitScheduler(),
		localChannelHalf: cfg.TxHalfID,
		peerWindowBytes:  64 * 1024,
		pendingBySeq:     make(map[uint64]ackTarget),
		kickCh:           make(chan struct{}, 1),
	}
	m.txAlloc.reserve(RootLSID)

	m.ch = channel.New(channel.Config{
		Socket:              cfg.Socket,
		Remote:              cfg.Remote,
		Armor:               cfg.Armor,
		TxHalfID:            cfg.TxHalfID,
		RxHalfID:            cfg.RxHalfID,
		RecvTag:             cfg.RecvTag,
		SendTag:             cfg.SendTag,
		Congestion:          cfg.Congestion,
		Engine:              cfg.Engine,
		Log:                 lg,
		OnDeliver:           m.onDeliver,
		OnLinkStatusChanged: cfg.OnLinkStatusChanged,
		OnLost:              m.onLost,
		OnAcked:             m.onAcked,
	})

	root := newStream(wirefmt.USID{ChannelHalf: cfg.TxHalfID, Counter: 0}, nil)
	root.owner = m
	root.state = StateConnected
	root.listenMode = ListenUnlimited
	root.tx[0] = &TxAttachment{State: TxActive, Mux: m, LSID: RootLSID}
	root.rx[0] = &RxAttachment{State: RxActive, Mux: m, LSID: RootLSID}
	m.root = root
	m.txByLSID[RootLSID] = root
	m.rxByLSID[RootLSID] = root
	m.usidIndex[root.USID] = root

	return m
}

// Channel exposes the underlying channel, e.g. for status reporting.
func (m *ChannelMux) Channel() *channel.Channel { return m.ch }

// Root returns the channel's always-present root stream.
func (m *ChannelMux) Root() *Stream { return m.root }

// Start activates the channel and the transmit pump.
func (m *ChannelMux) Start(initiating bool) {
	m.ch.Start(initiating)
	m.Go(m.pump)
	m.AdvertiseWindow(maxReadAheadBytes)
}

// Stop tears down the pump and the underlying channel. In-flight stream
// bytes are re-threaded onto their streams' backlogs via the channel's own
// onLost path before the channel finishes stopping.
func (m *ChannelMux) Stop() {
	m.Halt()
	m.ch.Stop()
	m.Wait()
}

// AdvertiseWindow sends our current receive-window budget to the peer as a
// SETTINGS frame.
func (m *ChannelMux) AdvertiseWindow(budgetBytes uint64) {
	exp := exponentFor(budgetBytes)
	payload := encodeWindowSettings(exp)
	if payload == nil {
		return
	}
	_, _ = m.ch.Transmit(wirefmt.EncodeSettingsFrame(wirefmt.SettingsFrame{Payload: payload}), false)
}

// SetPeerWindow updates the flow-control budget advertised by the peer.
func (m *ChannelMux) SetPeerWindow(bytes uint64) {
	m.mu.Lock()
	m.peerWindowBytes = bytes
	m.mu.Unlock()
	m.kick()
}

func (m *ChannelMux) kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *ChannelMux) pump() {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-m.kickCh:
		case <-ticker.C:
		}
		m.drainReady()
	}
}

// enqueueReady registers s as having work and wakes the pump.
func (m *ChannelMux) enqueueReady(s *Stream) {
	m.mu.Lock()
	m.sched.push(s)
	m.mu.Unlock()
	m.kick()
}

// reprioritize re-sorts s in the scheduler after SetPriority.
func (m *ChannelMux) reprioritize(s *Stream) {
	m.mu.Lock()
	m.sched.fix(s)
	m.mu.Unlock()
}

// drainReady pulls ready streams in priority order and frames their pending
// bytes until the congestion/flow-control budget or the ready set is
// exhausted.
func (m *ChannelMux) drainReady() {
	for {
		m.mu.Lock()
		if !m.ch.MayTransmit(m.peerWindowBytes) {
			m.mu.Unlock()
			return
		}
		s := m.sched.pop()
		m.mu.Unlock()
		if s == nil {
			return
		}

		sent := m.sendFrame(s)

		s.mu.Lock()
		s.enqueued = false
		stillReady := s.hasPendingWorkLocked()
		s.mu.Unlock()
		if stillReady {
			m.enqueueReady(s)
		}
		if !sent {
			continue
		}
	}
}

// hasPendingWorkLocked is hasPendingWork without re-acquiring s.mu; callers
// must already hold it.
func (s *Stream) hasPendingWorkLocked() bool {
	pendingDatagram := s.outDatagrams != nil && len(s.outDatagrams.items) > 0
	return pendingDatagram || len(s.rtxBacklog) > 0 || s.writeBuf.Len() > 0 || (s.wFinQueued && !s.wFinSent)
}

// attachLocked assigns s a fresh LSID in the transmit table; the caller
// records the TxAttaching attachment. Caller holds m.mu.
func (m *ChannelMux) attachLocked(s *Stream) (LSID, bool) {
	lsid, ok := m.txAlloc.allocate()
	if !ok {
		return 0, false
	}
	m.txByLSID[lsid] = s
	return lsid, true
}

// sendFrame builds and transmits one STREAM frame carrying s's next ready
// chunk (or an Init handshake if s has not yet been attached on this
// channel). Returns false if s had nothing to send.
func (m *ChannelMux) sendFrame(s *Stream) bool {
	s.mu.Lock()
	var tx *TxAttachment
	for _, a := range s.tx {
		if a != nil && a.Mux == m {
			tx = a
			break
		}
	}
	needsInit := tx == nil
	var parentLSID uint16
	var hasParent bool
	if needsInit && s.parent != nil {
		s.parent.mu.Lock()
		for _, a := range s.parent.tx {
			if a != nil && a.Mux == m {
				parentLSID = uint16(a.LSID)
				hasParent = true
			}
		}
		s.parent.mu.Unlock()
	}
	usid := s.USID
	s.mu.Unlock()

	var lsid LSID
	if needsInit {
		m.mu.Lock()
		var ok bool
		lsid, ok = m.attachLocked(s)
		m.mu.Unlock()
		if !ok {
			return false
		}
		tx = &TxAttachment{State: TxAttaching, Mux: m, LSID: lsid}
		s.mu.Lock()
		for i, a := range s.tx {
			if a == nil {
				s.tx[i] = tx
				break
			}
		}
		s.mu.Unlock()
	} else {
		lsid = tx.LSID
	}

	// Queued datagrams are best-effort and unordered, so they take priority over the ordered byte stream and
	// are never entered into the retransmission/ack bookkeeping below.
	if dgram, ok := s.popOutDatagram(); ok {
		f := wirefmt.StreamFrame{
			Init:       needsInit,
			NoAck:      true,
			LSID:       uint16(lsid),
			HasParent:  hasParent,
			ParentLSID: parentLSID,
			HasUSID:    needsInit,
			USID:       usid,
			HasData:    true,
			Data:       dgram,
		}
		wire, err := wirefmt.EncodeStreamFrame(f)
		if err != nil {
			m.log.Warnf("dropping oversized datagram for lsid %d: %v", lsid, err)
			return true
		}
		if _, err := m.ch.Transmit(wire, false); err != nil {
			return false
		}
		return true
	}

	offset, data, fin, ok := s.nextChunk(maxFramePayload)
	if !ok && !needsInit {
		return false
	}

	f := wirefmt.StreamFrame{
		Init:       needsInit,
		Fin:        fin,
		LSID:       uint16(lsid),
		HasParent:  hasParent,
		ParentLSID: parentLSID,
		HasUSID:    needsInit,
		USID:       usid,
		Offset:     offset,
		HasData:    len(data) > 0,
		Data:       data,
	}
	wire, err := wirefmt.EncodeStreamFrame(f)
	if err != nil {
		m.log.Warnf("dropping oversized stream frame for lsid %d: %v", lsid, err)
		return false
	}

	seq, err := m.ch.Transmit(wire, true)
	if err != nil {
		return false
	}
	if needsInit {
		s.mu.Lock()
		tx.attachSeq = seq
		s.mu.Unlock()
	}
	m.mu.Lock()
	m.pendingBySeq[seq] = ackTarget{stream: s, offset: offset, lsid: lsid, isInit: needsInit}
	m.mu.Unlock()
	return true
}

// onAcked is the channel's OnAcked callback: it translates a channel
// sequence number's acknowledgement back into stream-offset bookkeeping and
// flips a TxAttaching attachment to TxActive once its init frame is acked.
func (m *ChannelMux) onAcked(seq uint64) {
	m.mu.Lock()
	t, ok := m.pendingBySeq[seq]
	delete(m.pendingBySeq, seq)
	m.mu.Unlock()
	if !ok {
		return
	}
	t.stream.ackData(t.offset)
	if t.isInit {
		t.stream.mu.Lock()
		for _, a := range t.stream.tx {
			if a != nil && a.Mux == m && a.LSID == t.lsid && a.State == TxAttaching {
				a.State = TxActive
			}
		}
		t.stream.mu.Unlock()
	}
}

// sendReset/sendDetach/sendClose emit single-frame control messages for an
// attached LSID.
func (m *ChannelMux) sendReset(lsid LSID) {
	_, _ = m.ch.Transmit(wirefmt.EncodeResetFrame(uint16(lsid)), false)
}

func (m *ChannelMux) sendDetach(lsid LSID) {
	_, _ = m.ch.Transmit(wirefmt.EncodeDetachFrame(uint16(lsid)), false)
}

func (m *ChannelMux) sendClose(lsid LSID) {
	_, _ = m.ch.Transmit(wirefmt.EncodeCloseFrame(uint16(lsid)), false)
}

// SendPriorityHint advertises s's priority to the peer.
func (m *ChannelMux) SendPriorityHint(s *Stream, priority uint32) {
	s.mu.Lock()
	var lsid LSID
	have := false
	for _, a := range s.tx {
		if a != nil && a.Mux == m {
			lsid, have = a.LSID, true
		}
	}
	s.mu.Unlock()
	if !have {
		return
	}
	_, _ = m.ch.Transmit(wirefmt.EncodePriorityFrame(wirefmt.PriorityFrame{LSID: uint16(lsid), Priority: priority}), false)
}

// onDeliver is the channel's OnDeliver callback: it demultiplexes every
// frame packed into one channel payload. Padding carries no length and is
// always the last frame in a packet, so encountering it ends the loop;
// Empty and Decongestion are fixed one-byte frames and fall through to the
// next frame instead.
func (m *ChannelMux) onDeliver(payload []byte) {
	buf := payload
	for len(buf) > 0 {
		ft, err := wirefmt.PeekType(buf)
		if err != nil {
			return
		}
		switch ft {
		case wirefmt.FrameEmpty:
			buf = buf[1:]
		case wirefmt.FrameDecongestion:
			m.ch.NotifyDecongestion()
			buf = buf[1:]
		case wirefmt.FramePadding:
			return
		case wirefmt.FrameStream:
			f, n, err := wirefmt.DecodeStreamFrame(buf[1:])
			if err != nil {
				return
			}
			m.handleStreamFrame(f)
			buf = buf[n:]
		case wirefmt.FrameAck:
			_, n, err := wirefmt.DecodeAckFrame(buf[1:])
			if err != nil {
				return
			}
			buf = buf[n:]
		case wirefmt.FrameDetach:
			f, n, err := wirefmt.DecodeDetachFrame(buf[1:])
			if err != nil {
				return
			}
			m.handleDetach(LSID(f.LSID))
			buf = buf[n:]
		case wirefmt.FrameReset:
			f, n, err := wirefmt.DecodeResetFrame(buf[1:])
			if err != nil {
				return
			}
			m.handleReset(LSID(f.LSID))
			buf = buf[n:]
		case wirefmt.FrameClose:
			f, n, err := wirefmt.DecodeCloseFrame(buf[1:])
			if err != nil {
				return
			}
			m.handleClose(LSID(f.LSID))
			buf = buf[n:]
		case wirefmt.FramePriority:
			f, n, err := wirefmt.DecodePriorityFrame(buf[1:])
			if err != nil {
				return
			}
			m.handlePriority(LSID(f.LSID), f.Priority)
			buf = buf[n:]
		case wirefmt.FrameSettings:
			f, n, err := wirefmt.DecodeSettingsFrame(buf[1:])
			if err != nil {
				return
			}
			if exp, ok := decodeWindowSettings(f.Payload); ok {
				m.SetPeerWindow(windowBytesFor(exp))
			}
			buf = buf[n:]
		default:
			return
		}
	}
}

func (m *ChannelMux) handleStreamFrame(f wirefmt.StreamFrame) {
	lsid := LSID(f.LSID)
	m.mu.Lock()
	s := m.rxByLSID[lsid]
	m.mu.Unlock()

	if s == nil {
		if !f.Init || !f.HasUSID {
			return
		}
		s = m.acceptRemoteAttach(f)
		if s == nil {
			return
		}
	} else if f.Init {
		s.mu.Lock()
		alreadyAttached := false
		for _, a := range s.rx {
			if a != nil && a.LSID == lsid {
				alreadyAttached = true
				break
			}
		}
		if !alreadyAttached {
			for i, a := range s.rx {
				if a == nil {
					s.rx[i] = &RxAttachment{State: RxActive, Mux: m, LSID: lsid}
					break
				}
			}
		}
		s.mu.Unlock()
	}

	if f.HasData {
		if f.NoAck {
			s.receiveDatagram(f.Data)
		} else {
			s.receiveData(f.Offset, f.Data)
		}
	}
	if f.Fin {
		s.receiveFin()
	}
}

// acceptRemoteAttach handles an inbound Init frame for an LSID this mux has
// not seen before: it resolves the parent via ParentLSID, applies the
// parent's effective listen policy, and either creates the substream or
// rejects it with a RESET.
func (m *ChannelMux) acceptRemoteAttach(f wirefmt.StreamFrame) *Stream {
	lsid := LSID(f.LSID)

	var parent *Stream
	if f.HasParent {
		m.mu.Lock()
		parent = m.rxByLSID[LSID(f.ParentLSID)]
		m.mu.Unlock()
	} else {
		parent = m.root
	}

	mode := ListenReject
	if parent != nil {
		mode = parent.effectiveListenMode()
	}
	if mode == ListenReject {
		m.sendReset(lsid)
		return nil
	}

	var parentUSID *wirefmt.USID
	if parent != nil {
		pu := parent.USID
		parentUSID = &pu
	}

	s := newStream(f.USID, parentUSID)
	s.owner = m
	s.parent = parent
	s.state = StateConnected
	s.rx[0] = &RxAttachment{State: RxActive, Mux: m, LSID: lsid}

	m.mu.Lock()
	m.rxByLSID[lsid] = s
	m.usidIndex[f.USID] = s
	m.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.receivedSubstreams = append(parent.receivedSubstreams, s)
		cb := parent.onNewSubstream
		parent.mu.Unlock()
		if cb != nil {
			go cb(s)
		}
	}
	return s
}

func (m *ChannelMux) handleDetach(lsid LSID) {
	m.mu.Lock()
	s := m.txByLSID[lsid]
	delete(m.txByLSID, lsid)
	m.txAlloc.release(lsid)
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	for i, a := range s.tx {
		if a != nil && a.LSID == lsid && a.Mux == m {
			s.tx[i].State = TxDeprecated
		}
	}
	s.mu.Unlock()
}

func (m *ChannelMux) handleReset(lsid LSID) {
	m.mu.Lock()
	s := m.rxByLSID[lsid]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.doReset(false)
}

func (m *ChannelMux) handleClose(lsid LSID) {
	m.mu.Lock()
	s := m.rxByLSID[lsid]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.receiveFin()
}

func (m *ChannelMux) handlePriority(lsid LSID, priority uint32) {
	m.mu.Lock()
	s := m.rxByLSID[lsid]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.priority = priority
	s.mu.Unlock()
}

// onLost is the channel's OnLost callback. It decodes the same bytes this
// mux handed to channel.Transmit and re-threads any STREAM frame's byte
// range onto its owning stream's retransmission backlog, and drops the
// now-stale pendingBySeq entry (the channel will never ack this seq again).
// wasExpired (channel gave up rather than merely missed an ACK) is
// otherwise informational here, since stream-level backpressure already
// bounds how much unacknowledged data can accumulate.
func (m *ChannelMux) onLost(seq uint64, payload []byte, wasExpired bool) {
	m.mu.Lock()
	delete(m.pendingBySeq, seq)
	m.mu.Unlock()

	buf := payload
	for len(buf) > 0 {
		ft, err := wirefmt.PeekType(buf)
		if err != nil {
			return
		}
		if ft != wirefmt.FrameStream {
			return
		}
		f, n, err := wirefmt.DecodeStreamFrame(buf[1:])
		if err != nil {
			return
		}
		m.mu.Lock()
		s := m.txByLSID[LSID(f.LSID)]
		m.mu.Unlock()
		if s != nil {
			s.requeueLoss(f.Offset)
		}
		buf = buf[n:]
	}
}

// nextUSIDCounter mints the next locally-assigned USID counter value for a
// new stream opened on this channel.
func (m *ChannelMux) nextUSIDCounter() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usidCounter++
	return m.usidCounter
}
