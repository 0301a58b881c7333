package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/wirefmt"
)

// fakeStrategy is a congestion.Strategy stub that only tracks whether
// Notify was called, for exercising onDeliver's DECONGESTION handling in
// isolation from Reno's actual backoff math.
type fakeStrategy struct {
	notified bool
}

func (f *fakeStrategy) TxWindow() uint32                      { return 4 }
func (f *fakeStrategy) Reset()                                {}
func (f *fakeStrategy) Missed(seq uint64)                     {}
func (f *fakeStrategy) Timeout()                              {}
func (f *fakeStrategy) Update(newAcks uint32)                 {}
func (f *fakeStrategy) RTTUpdate(pps uint32, rtt time.Duration) {}
func (f *fakeStrategy) Notify()                               { f.notified = true }

func newTestStream() *Stream {
	return newStream(wirefmt.USID{Counter: 1}, nil)
}

// newTestMux builds a ChannelMux whose underlying channel is never started,
// just enough scaffolding for OpenSubstream/enqueueReady to run without a
// live socket.
func newTestMux(t *testing.T) *ChannelMux {
	t.Helper()
	return NewChannelMux(MuxConfig{TxHalfID: [8]byte{1}})
}

func TestWriteRecordReadRecordRoundTrip(t *testing.T) {
	s := newTestStream()
	_, err := s.WriteRecord([]byte("hello"))
	require.NoError(t, err)

	offset, data, fin, ok := s.nextChunk(0)
	require.True(t, ok)
	require.False(t, fin)
	require.Equal(t, uint64(0), offset)

	s.receiveData(offset, data)
	require.True(t, s.HasPendingRecords())

	got, ok := s.ReadRecord(0)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got)
	require.False(t, s.HasPendingRecords())
}

func TestReadRecordFalseUntilComplete(t *testing.T) {
	s := newTestStream()
	_, err := s.WriteRecord([]byte("longer record"))
	require.NoError(t, err)
	offset, data, _, ok := s.nextChunk(0)
	require.True(t, ok)

	// deliver only the first half of the bytes: the record is not yet whole.
	half := len(data) / 2
	s.receiveData(offset, data[:half])
	_, ok = s.ReadRecord(0)
	require.False(t, ok)

	s.receiveData(offset+uint64(half), data[half:])
	got, ok := s.ReadRecord(0)
	require.True(t, ok)
	require.Equal(t, []byte("longer record"), got)
}

func TestReceiveDataOutOfOrderReassembly(t *testing.T) {
	s := newTestStream()
	payload := []byte("0123456789")

	// deliver the second half before the first: it must sit in readahead
	// until the gap closes.
	s.receiveData(5, payload[5:])
	buf := make([]byte, 10)
	n, err := s.ReadData(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	s.receiveData(0, payload[:5])
	n, err = s.ReadData(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestReceiveDataDropsBytesBeforeRxByteSeq(t *testing.T) {
	s := newTestStream()
	s.receiveData(0, []byte("abc"))
	buf := make([]byte, 3)
	n, _ := s.ReadData(buf)
	require.Equal(t, 3, n)

	// a retransmitted duplicate of the same range must not be re-delivered.
	s.receiveData(0, []byte("abc"))
	n, err := s.ReadData(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestWriteDataBackpressureReturnsShortCount(t *testing.T) {
	s := newTestStream()
	s.maxWriteBuf = 4
	n, err := s.WriteData([]byte("abcdefgh"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestWriteDataAfterShutdownWriteFails(t *testing.T) {
	s := newTestStream()
	require.NoError(t, s.Shutdown(ShutdownWrite))
	_, err := s.WriteData([]byte("x"))
	require.ErrorIs(t, err, errs.ErrStreamClosed)
}

func TestShutdownCloseQueuesFin(t *testing.T) {
	s := newTestStream()
	_, err := s.WriteData([]byte("final bytes"))
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(ShutdownClose))

	_, _, fin, ok := s.nextChunk(0)
	require.True(t, ok)
	require.True(t, fin, "the fin rides on the last data chunk")

	_, _, _, ok = s.nextChunk(0)
	require.False(t, ok, "nothing is left once the fin has gone out")
}

func TestRequeueLossReturnsBytesToBacklogAheadOfFreshWrites(t *testing.T) {
	s := newTestStream()
	_, err := s.WriteData([]byte("first"))
	require.NoError(t, err)
	offset, data, _, ok := s.nextChunk(0)
	require.True(t, ok)

	_, err = s.WriteData([]byte("second"))
	require.NoError(t, err)

	s.requeueLoss(offset)

	gotOffset, gotData, _, ok := s.nextChunk(0)
	require.True(t, ok)
	require.Equal(t, offset, gotOffset)
	require.Equal(t, data, gotData, "the lost range must be resent before newer data")
}

func TestSetPriorityAndListenMode(t *testing.T) {
	s := newTestStream()
	s.SetPriority(7)
	require.Equal(t, uint32(7), s.Priority())

	s.Listen(ListenUnlimited)
	require.Equal(t, ListenUnlimited, s.effectiveListenMode())
}

func TestDoResetMarksDisconnectedAndClosed(t *testing.T) {
	s := newTestStream()
	notified := false
	s.onResetNotify = func() { notified = true }
	require.NoError(t, s.Shutdown(ShutdownReset))
	require.Equal(t, StateDisconnected, s.State())
	require.True(t, notified)

	_, err := s.WriteData([]byte("x"))
	require.ErrorIs(t, err, errs.ErrStreamReset, "a write after reset must distinguish itself from an ordinary close")

	_, err = s.WriteRecord([]byte("x"))
	require.ErrorIs(t, err, errs.ErrStreamReset)
}

func TestWriteDatagramStatelessPathQueuesWithoutAttaching(t *testing.T) {
	s := newTestStream()
	require.NoError(t, s.WriteDatagram([]byte("small and unreliable"), false))

	b, ok := s.popOutDatagram()
	require.True(t, ok)
	require.Equal(t, []byte("small and unreliable"), b)
}

func TestWriteDatagramOverStatelessSizeOpensSubstream(t *testing.T) {
	parent := newTestStream()
	mux := newTestMux(t)
	parent.owner = mux

	before := len(mux.usidIndex)
	big := make([]byte, maxStatelessDatagramSize+1)
	require.NoError(t, parent.WriteDatagram(big, false))
	require.Len(t, mux.usidIndex, before+1, "an oversized unreliable datagram must open a new substream")

	var child *Stream
	for usid, s := range mux.usidIndex {
		if usid != mux.root.USID {
			child = s
		}
	}
	require.NotNil(t, child)
	require.True(t, child.wClosed, "an ephemeral substream datagram is written and closed in one call")
}

func TestWriteDatagramReliableAlwaysOpensSubstreamRegardlessOfSize(t *testing.T) {
	parent := newTestStream()
	mux := newTestMux(t)
	parent.owner = mux

	before := len(mux.usidIndex)
	require.NoError(t, parent.WriteDatagram([]byte("tiny but reliable"), true))
	require.Len(t, mux.usidIndex, before+1, "reliable=true must bypass the stateless path regardless of size")
}

func TestOnDeliverNotifiesCongestionOnDecongestionFrame(t *testing.T) {
	cwnd := &fakeStrategy{}
	m := NewChannelMux(MuxConfig{TxHalfID: [8]byte{1}, Congestion: cwnd})

	payload := append(wirefmt.EncodeEmptyFrame(), wirefmt.EncodeDecongestionFrame()...)
	m.onDeliver(payload)

	require.True(t, cwnd.notified, "a DECONGESTION frame must reach the congestion strategy's Notify")
}
