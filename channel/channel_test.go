package channel

import (
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sssproto/sss/armor"
)

// loopbackSocket delivers every SendTo call straight into a paired channel's
// HandleDatagram, standing in for the real UDP socket the host owns.
type loopbackSocket struct {
	mu   sync.Mutex
	peer *Channel
}

func (s *loopbackSocket) SendTo(remote net.Addr, data []byte) error {
	s.mu.Lock()
	p := s.peer
	s.mu.Unlock()
	if p != nil {
		p.HandleDatagram(append([]byte(nil), data...))
	}
	return nil
}

// socketFunc adapts a plain function to the Socket interface.
type socketFunc func(remote net.Addr, data []byte) error

func (f socketFunc) SendTo(remote net.Addr, data []byte) error { return f(remote, data) }

func randKey(t *testing.T) [armor.KeySize]byte {
	t.Helper()
	var k [armor.KeySize]byte
	_, err := io.ReadFull(rand.Reader, k[:])
	require.NoError(t, err)
	return k
}

// newLoopbackPair builds two Channels wired so A's transmissions land
// directly on B's HandleDatagram and vice versa.
func newLoopbackPair(t *testing.T) (a, b *Channel, aDelivered, bDelivered *[][]byte) {
	t.Helper()
	keyAtoB := randKey(t)
	keyBtoA := randKey(t)

	armorA, err := armor.New(armor.SchemeBox, keyAtoB, keyBtoA)
	require.NoError(t, err)
	armorB, err := armor.New(armor.SchemeBox, keyBtoA, keyAtoB)
	require.NoError(t, err)

	var halfA, halfB [8]byte
	copy(halfA[:], "half-A--")
	copy(halfB[:], "half-B--")

	sockA := &loopbackSocket{}
	sockB := &loopbackSocket{}

	var mu sync.Mutex
	aRecv := [][]byte{}
	bRecv := [][]byte{}

	a = New(Config{
		Socket:   sockA,
		Remote:   &net.UDPAddr{},
		Armor:    armorA,
		TxHalfID: halfA,
		RxHalfID: halfB,
		SendTag:  2,
		RecvTag:  1,
		OnDeliver: func(p []byte) {
			mu.Lock()
			aRecv = append(aRecv, p)
			mu.Unlock()
		},
	})
	b = New(Config{
		Socket:   sockB,
		Remote:   &net.UDPAddr{},
		Armor:    armorB,
		TxHalfID: halfB,
		RxHalfID: halfA,
		SendTag:  1,
		RecvTag:  2,
		OnDeliver: func(p []byte) {
			mu.Lock()
			bRecv = append(bRecv, p)
			mu.Unlock()
		},
	})

	sockA.peer = b
	sockB.peer = a

	return a, b, &aRecv, &bRecv
}

func TestChannelTransmitDelivers(t *testing.T) {
	a, b, _, bRecv := newLoopbackPair(t)
	a.Start(true)
	b.Start(false)
	defer a.Stop()
	defer b.Stop()

	_, err := a.Transmit([]byte("hello b"), true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(*bRecv) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, []byte("hello b"), (*bRecv)[0])
}

func TestChannelPiggybackedAckAdvancesHighestAck(t *testing.T) {
	a, b, _, _ := newLoopbackPair(t)
	a.Start(true)
	b.Start(false)
	defer a.Stop()
	defer b.Stop()

	var acked []uint64
	var mu sync.Mutex
	a.onAcked = func(seq uint64) {
		mu.Lock()
		acked = append(acked, seq)
		mu.Unlock()
	}

	seq, err := a.Transmit([]byte("data"), true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	// B's reply (any transmit) piggybacks the ack for what it received.
	_, err = b.Transmit([]byte("reply"), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acked) == 1 && acked[0] == seq
	}, time.Second, time.Millisecond)
}

func TestChannelDuplicateDeliveryIsSuppressed(t *testing.T) {
	a, b, _, bRecv := newLoopbackPair(t)
	a.Start(true)
	b.Start(false)
	defer a.Stop()
	defer b.Stop()

	// Keep a copy of A's first outbound datagram so it can be replayed.
	var raw []byte
	inner := a.socket
	a.socket = socketFunc(func(remote net.Addr, data []byte) error {
		if raw == nil {
			raw = append([]byte(nil), data...)
		}
		return inner.SendTo(remote, data)
	})

	_, err := a.Transmit([]byte("once"), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(*bRecv) == 1 }, time.Second, time.Millisecond)

	// Re-deliver the exact same datagram directly against B; the channel
	// must not call onDeliver a second time for a duplicate.
	b.HandleDatagram(raw)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, *bRecv, 1)
}

func TestChannelStartIsIdempotent(t *testing.T) {
	a, _, _, _ := newLoopbackPair(t)
	a.Start(true)
	defer a.Stop()
	require.Equal(t, LinkUp, a.Status())
	a.Start(true)
	require.Equal(t, LinkUp, a.Status())
}

func TestChannelStopSetsLinkDown(t *testing.T) {
	a, b, _, _ := newLoopbackPair(t)
	a.Start(true)
	b.Start(false)
	a.Stop()
	require.Equal(t, LinkDown, a.Status())
	b.Stop()
}

func TestChannelTransmitAfterStopFails(t *testing.T) {
	a, b, _, _ := newLoopbackPair(t)
	a.Start(true)
	b.Start(false)
	a.Stop()
	b.Stop()

	_, err := a.Transmit([]byte("too late"), true)
	require.Error(t, err)
}
