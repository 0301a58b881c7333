// Package stream implements the stream multiplexer: LSID and USID tables,
// the attachment state machines, per-stream byte windows, the substream
// tree, the priority-ordered transmit scheduler, flow control, and the
// record/datagram APIs built on top of it. It wraps a *channel.Channel per
// ChannelMux: the per-channel "transmit LSID->stream-tx-attachment"
// / "receive LSID->stream-rx-attachment" maps are, in this Go layout,
// naturally owned by the multiplexer that understands streams rather than
// by the channel package itself, which is deliberately kept ignorant of
// frames and streams to avoid an import cycle.
package stream

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/wirefmt"
)

// State is the stream lifecycle state.
type State int

const (
	StateCreated State = iota
	StateWaitService
	StateAccepting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWaitService:
		return "wait_service"
	case StateAccepting:
		return "accepting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// ListenMode governs whether/how a stream accepts substreams.
type ListenMode int

const (
	ListenReject ListenMode = iota
	ListenBufferLimit
	ListenUnlimited
	ListenInherit
)

// ShutdownMode selects which half(s) of a stream Shutdown affects.
type ShutdownMode int

const (
	ShutdownRead ShutdownMode = iota
	ShutdownWrite
	ShutdownClose
	ShutdownReset
)

// maxStatelessDatagramSize is the threshold above which write_datagram
// falls back to the ephemeral-substream path.
const maxStatelessDatagramSize = 1024

// maxReadAheadBytes bounds the out-of-order buffer per stream.
const maxReadAheadBytes = 256 * 1024

// readAheadSegment is one out-of-order byte range buffered pending the
// bytes that precede it.
type readAheadSegment struct {
	offset uint64
	data   []byte
}

// pendingFrame is one unacknowledged outbound STREAM data frame, kept so
// that if the channel reports it lost it can be re-enqueued.
type pendingFrame struct {
	offset uint64
	data   []byte
	fin    bool
}

// Stream is a logical byte+record+datagram channel, multiplexed as one
// LSID per attached channel.
type Stream struct {
	mu sync.Mutex

	log *log.Logger

	USID       wirefmt.USID
	ParentUSID *wirefmt.USID

	state State

	// Up to two simultaneous TX/RX attachments, slots 0 and 1, permitting
	// migration to a replacement channel without data loss.
	tx [2]*TxAttachment
	rx [2]*RxAttachment

	// Transmit side.
	txByteSeq   uint64 // next byte offset to assign to newly written data
	txInFlight  map[uint64]*pendingFrame
	rtxBacklog  []pendingFrame // lost ranges re-threaded by the owning ChannelMux, oldest first
	writeBuf    *bytes.Buffer
	maxWriteBuf int
	wClosed     bool
	wFinSent    bool
	wFinQueued  bool
	wasReset    bool

	// Receive side.
	rxByteSeq    uint64 // next contiguous offset expected
	readahead    []readAheadSegment
	readaheadLen int
	delivered    *bytes.Buffer // contiguous received bytes; ReadData and ReadRecord both drain it
	rClosed      bool
	rFinRecv     bool

	listenMode ListenMode
	priority   uint32

	outDatagrams *datagramRing
	inDatagrams  *datagramRing

	receivedSubstreams []*Stream
	parent             *Stream

	// registered with the owning ChannelMux's ready-to-transmit priority
	// queue whenever this stream transitions from empty to nonempty.
	enqueued bool
	owner    *ChannelMux

	onNewSubstream      func(*Stream)
	onAttached          func()
	onReadyRead         func()
	onReadyWrite        func()
	onResetNotify       func()
	onLinkStatusChanged func(up bool)

	readWake  chan struct{}
	writeWake chan struct{}
}

func newStream(usid wirefmt.USID, parent *wirefmt.USID) *Stream {
	return &Stream{
		USID:        usid,
		ParentUSID:  parent,
		state:       StateCreated,
		txInFlight:  make(map[uint64]*pendingFrame),
		writeBuf:    new(bytes.Buffer),
		delivered:   new(bytes.Buffer),
		maxWriteBuf: 256 * 1024,
		listenMode:  ListenReject,
		readWake:    make(chan struct{}, 1),
		writeWake:   make(chan struct{}, 1),
	}
}

// SetPriority updates the stream's scheduling priority; higher values are
// preferred.
func (s *Stream) SetPriority(p uint32) {
	s.mu.Lock()
	s.priority = p
	owner := s.owner
	s.mu.Unlock()
	if owner != nil {
		owner.reprioritize(s)
	}
}

// Priority returns the stream's current scheduling priority.
func (s *Stream) Priority() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// Listen sets the substream-acceptance policy for children of this stream.
func (s *Stream) Listen(mode ListenMode) {
	s.mu.Lock()
	s.listenMode = mode
	s.mu.Unlock()
}

// effectiveListenMode resolves ListenInherit by walking up the substream
// tree to the first ancestor with a concrete mode, defaulting to Reject at
// the root.
func (s *Stream) effectiveListenMode() ListenMode {
	cur := s
	for cur != nil {
		cur.mu.Lock()
		mode := cur.listenMode
		parent := cur.parent
		cur.mu.Unlock()
		if mode != ListenInherit {
			return mode
		}
		cur = parent
	}
	return ListenReject
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// recordHeaderSize is the length of the big-endian record-length prefix
// WriteRecord inserts ahead of each record's bytes.
const recordHeaderSize = 4

// HasPendingRecords reports whether at least one complete record is
// waiting to be read.
func (s *Stream) HasPendingRecords() bool {
	return s.PendingRecords() > 0
}

// PendingRecords returns the number of completed records currently
// buffered for reading.
func (s *Stream) PendingRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	buf := s.delivered.Bytes()
	for len(buf) >= recordHeaderSize {
		size := int(binary.BigEndian.Uint32(buf[:recordHeaderSize]))
		if len(buf) < recordHeaderSize+size {
			break
		}
		n++
		buf = buf[recordHeaderSize+size:]
	}
	return n
}

// ReadRecord returns the next completed record, truncated to max bytes if
// it is larger and max > 0. Returns (nil, false) if no full record has
// arrived yet.
func (s *Stream) ReadRecord(max int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.delivered.Bytes()
	if len(buf) < recordHeaderSize {
		return nil, false
	}
	size := int(binary.BigEndian.Uint32(buf[:recordHeaderSize]))
	if len(buf) < recordHeaderSize+size {
		return nil, false
	}
	n := size
	if max > 0 && n > max {
		n = max
	}
	out := make([]byte, n)
	copy(out, buf[recordHeaderSize:recordHeaderSize+n])
	s.delivered.Next(recordHeaderSize + size)
	return out, true
}

// ReadData reads up to len(p) bytes of delivered, in-order data without
// regard to record boundaries (partial record reads).
func (s *Stream) ReadData(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered.Len() == 0 {
		if s.rClosed || (s.rFinRecv && s.delivered.Len() == 0) {
			return 0, errs.ErrStreamClosed
		}
		return 0, nil
	}
	return s.delivered.Read(p)
}

// WriteData enqueues p for transmission. If the stream's configured
// high-water mark is exceeded, it returns a short count rather than
// blocking. Nothing in this package sets or fires onReadyWrite, so the
// caller is not signalled when buffer space frees up.
func (s *Stream) WriteData(p []byte) (int, error) {
	s.mu.Lock()
	if s.wClosed {
		reset := s.wasReset
		s.mu.Unlock()
		if reset {
			return 0, errs.ErrStreamReset
		}
		return 0, errs.ErrStreamClosed
	}
	avail := s.maxWriteBuf - s.writeBuf.Len()
	if avail <= 0 {
		s.mu.Unlock()
		return 0, nil
	}
	n := len(p)
	if n > avail {
		n = avail
	}
	s.writeBuf.Write(p[:n])
	s.mu.Unlock()
	s.enqueueForTransmit()
	return n, nil
}

// WriteRecord writes data prefixed with its length so the peer's ReadRecord
// sees the same boundary.
func (s *Stream) WriteRecord(data []byte) (int, error) {
	s.mu.Lock()
	if s.wClosed {
		reset := s.wasReset
		s.mu.Unlock()
		if reset {
			return 0, errs.ErrStreamReset
		}
		return 0, errs.ErrStreamClosed
	}
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	s.writeBuf.Write(hdr[:])
	s.writeBuf.Write(data)
	s.mu.Unlock()
	s.enqueueForTransmit()
	return len(data), nil
}

// Shutdown implements the four shutdown modes.
func (s *Stream) Shutdown(mode ShutdownMode) error {
	switch mode {
	case ShutdownRead:
		s.mu.Lock()
		s.rClosed = true
		s.mu.Unlock()
	case ShutdownWrite:
		s.mu.Lock()
		s.wClosed = true
		s.mu.Unlock()
		s.enqueueForTransmit()
	case ShutdownClose:
		s.mu.Lock()
		s.wClosed = true
		s.wFinQueued = true
		s.mu.Unlock()
		s.enqueueForTransmit()
	case ShutdownReset:
		s.doReset(true)
	}
	return nil
}

// doReset tears down the stream locally, optionally notifying the peer.
func (s *Stream) doReset(sendFrame bool) {
	s.mu.Lock()
	s.rClosed = true
	s.wClosed = true
	s.wasReset = true
	s.state = StateDisconnected
	tx := s.tx
	owner := s.owner
	lsid := LSID(0)
	haveLSID := false
	for _, a := range tx {
		if a != nil && a.State != TxUnused {
			lsid = a.LSID
			haveLSID = true
		}
	}
	s.mu.Unlock()

	if sendFrame && owner != nil && haveLSID {
		owner.sendReset(lsid)
	}
	cb := s.onResetNotify
	if cb != nil {
		cb()
	}
}

func (s *Stream) enqueueForTransmit() {
	s.mu.Lock()
	owner := s.owner
	already := s.enqueued
	s.enqueued = true
	s.mu.Unlock()
	if owner != nil && !already {
		owner.enqueueReady(s)
	}
}

func (s *Stream) wakeRead() {
	select {
	case s.readWake <- struct{}{}:
	default:
	}
	if cb := s.onReadyRead; cb != nil {
		go cb()
	}
}

func (s *Stream) wakeWrite() {
	select {
	case s.writeWake <- struct{}{}:
	default:
	}
	if cb := s.onReadyWrite; cb != nil {
		go cb()
	}
}

// WaitReadable blocks until data or a record is available, the stream
// closes, or timeout elapses.
func (s *Stream) WaitReadable(timeout time.Duration) {
	s.mu.Lock()
	has := s.delivered.Len() > 0 || s.rClosed
	s.mu.Unlock()
	if has {
		return
	}
	select {
	case <-s.readWake:
	case <-time.After(timeout):
	}
}

// nextChunk is pulled by the owning ChannelMux's scheduler to obtain the
// next span of bytes to frame and transmit. Lost backlog is served before
// fresh writeBuf bytes so retransmission never reorders data ahead of the
// bytes that replace it.
func (s *Stream) nextChunk(maxLen int) (offset uint64, data []byte, fin bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rtxBacklog) > 0 {
		pf := s.rtxBacklog[0]
		s.rtxBacklog = s.rtxBacklog[1:]
		if maxLen > 0 && len(pf.data) > maxLen {
			rest := pendingFrame{offset: pf.offset + uint64(maxLen), data: pf.data[maxLen:], fin: pf.fin}
			s.rtxBacklog = append([]pendingFrame{rest}, s.rtxBacklog...)
			pf.data = pf.data[:maxLen]
			pf.fin = false
		}
		s.txInFlight[pf.offset] = &pendingFrame{offset: pf.offset, data: pf.data, fin: pf.fin}
		return pf.offset, pf.data, pf.fin, true
	}

	if s.writeBuf.Len() == 0 {
		if s.wFinQueued && !s.wFinSent {
			s.wFinSent = true
			return s.txByteSeq, nil, true, true
		}
		return 0, nil, false, false
	}

	n := s.writeBuf.Len()
	if maxLen > 0 && n > maxLen {
		n = maxLen
	}
	data = make([]byte, n)
	s.writeBuf.Read(data)
	offset = s.txByteSeq
	s.txByteSeq += uint64(n)
	fin = s.wFinQueued && s.writeBuf.Len() == 0
	if fin {
		s.wFinSent = true
	}
	s.txInFlight[offset] = &pendingFrame{offset: offset, data: data, fin: fin}
	return offset, data, fin, true
}

// hasPendingWork reports whether nextChunk or popOutDatagram would
// currently return data.
func (s *Stream) hasPendingWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPendingWorkLocked()
}

// popOutDatagram returns the next queued outbound datagram, if any. Caller
// holds no lock.
func (s *Stream) popOutDatagram() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outDatagrams == nil {
		return nil, false
	}
	return s.outDatagrams.pop()
}

// ackData marks offset's bytes as received by the peer, dropping them from
// the retransmission set.
func (s *Stream) ackData(offset uint64) {
	s.mu.Lock()
	delete(s.txInFlight, offset)
	s.mu.Unlock()
}

// requeueLoss re-threads a byte range the channel reported lost back onto
// this stream's retransmission backlog and re-arms the scheduler.
func (s *Stream) requeueLoss(offset uint64) {
	s.mu.Lock()
	pf, ok := s.txInFlight[offset]
	if ok {
		delete(s.txInFlight, offset)
		s.rtxBacklog = append(s.rtxBacklog, *pf)
	}
	s.mu.Unlock()
	if ok {
		s.enqueueForTransmit()
	}
}

// receiveData merges an inbound byte range into the contiguous delivered
// buffer, holding out-of-order ranges in readahead until the gap closes.
func (s *Stream) receiveData(offset uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	if offset < s.rxByteSeq {
		skip := s.rxByteSeq - offset
		if skip >= uint64(len(data)) {
			s.mu.Unlock()
			return
		}
		data = data[skip:]
		offset = s.rxByteSeq
	}
	if offset == s.rxByteSeq {
		s.delivered.Write(data)
		s.rxByteSeq += uint64(len(data))
		s.drainReadaheadLocked()
		s.mu.Unlock()
		s.wakeRead()
		return
	}
	if s.readaheadLen+len(data) <= maxReadAheadBytes {
		cp := append([]byte(nil), data...)
		s.readahead = append(s.readahead, readAheadSegment{offset: offset, data: cp})
		s.readaheadLen += len(cp)
	}
	s.mu.Unlock()
}

// drainReadaheadLocked folds any readahead segments that have become
// contiguous into delivered. Caller holds s.mu.
func (s *Stream) drainReadaheadLocked() {
	for {
		progressed := false
		for i, seg := range s.readahead {
			if seg.offset > s.rxByteSeq {
				continue
			}
			end := seg.offset + uint64(len(seg.data))
			if end <= s.rxByteSeq {
				s.readahead = append(s.readahead[:i], s.readahead[i+1:]...)
				s.readaheadLen -= len(seg.data)
				progressed = true
				break
			}
			skip := s.rxByteSeq - seg.offset
			s.delivered.Write(seg.data[skip:])
			s.rxByteSeq += uint64(len(seg.data)) - skip
			s.readaheadLen -= len(seg.data)
			s.readahead = append(s.readahead[:i], s.readahead[i+1:]...)
			progressed = true
			break
		}
		if !progressed {
			return
		}
	}
}

// receiveFin records that the peer has no more data for this stream.
func (s *Stream) receiveFin() {
	s.mu.Lock()
	s.rFinRecv = true
	s.mu.Unlock()
	s.wakeRead()
}
