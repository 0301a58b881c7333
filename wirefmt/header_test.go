package wirefmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{ChannelTag: 0x7A, SeqLow: 0x00ABCDEF, AckCount: 9, AckSeqLow: 0x00123456}
	wire := h.Encode()
	require.Len(t, wire, HeaderSize)

	got, err := DecodeHeader(wire[:])
	require.NoError(t, err)
	require.Equal(t, h.ChannelTag, got.ChannelTag)
	require.Equal(t, h.SeqLow, got.SeqLow)
	require.Equal(t, h.AckCount, got.AckCount)
	require.Equal(t, h.AckSeqLow, got.AckSeqLow)
}

func TestHeaderAckCountMasksToFourBits(t *testing.T) {
	h := Header{AckCount: 0xFF}
	got, err := DecodeHeader(h.Encode()[:])
	require.NoError(t, err)
	require.Equal(t, uint8(0x0F), got.AckCount)
}

func TestDecodeHeaderShortPacket(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestExtendSequencePicksNearestCandidate(t *testing.T) {
	// expected sits just past a 24-bit rollover; the low bits alone are
	// ambiguous between the previous and current high-word.
	expected := uint64(1)<<24 + 5
	got := ExtendSequence(3, expected)
	require.Equal(t, uint64(1)<<24+3, got)

	// a low value far behind expected within the same high word still
	// resolves to the same high word, not a needless rollover.
	expected2 := uint64(1)<<24 + 100
	got2 := ExtendSequence(90, expected2)
	require.Equal(t, uint64(1)<<24+90, got2)
}
