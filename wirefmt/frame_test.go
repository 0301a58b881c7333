package wirefmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamFrameRoundTripNoOptional(t *testing.T) {
	f := StreamFrame{Offset: 0, HasData: true, Data: []byte("hello"), LSID: 42}
	wire, err := EncodeStreamFrame(f)
	require.NoError(t, err)

	got, n, err := DecodeStreamFrame(wire[1:])
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.Equal(t, f.LSID, got.LSID)
	require.Equal(t, f.Data, got.Data)
	require.False(t, got.HasUSID)
	require.False(t, got.Init)
}

func TestStreamFrameRoundTripWithInitAndUSID(t *testing.T) {
	f := StreamFrame{
		Init:       true,
		LSID:       7,
		ParentLSID: 3,
		HasUSID:    true,
		USID:       USID{ChannelHalf: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, Counter: 99},
		Offset:     1 << 20,
		HasData:    true,
		Data:       []byte("payload"),
		Fin:        true,
		NoAck:      true,
	}
	wire, err := EncodeStreamFrame(f)
	require.NoError(t, err)

	got, n, err := DecodeStreamFrame(wire[1:])
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.True(t, got.Init)
	require.True(t, got.HasParent)
	require.Equal(t, f.ParentLSID, got.ParentLSID)
	require.True(t, got.HasUSID)
	require.Equal(t, f.USID, got.USID)
	require.Equal(t, f.Offset, got.Offset)
	require.Equal(t, f.Data, got.Data)
	require.True(t, got.Fin)
	require.True(t, got.NoAck)
}

func TestStreamFrameOffsetWidthChosenNarrowly(t *testing.T) {
	cases := []struct {
		offset       uint64
		expectedSize int // header bytes: type(1)+flags(1)+lsid(4)+width
	}{
		{0, 6},
		{0xFFFF, 8},
		{0x10000, 9},
	}
	for _, c := range cases {
		wire, err := EncodeStreamFrame(StreamFrame{Offset: c.offset})
		require.NoError(t, err)
		require.Equal(t, c.expectedSize, len(wire))
	}
}

func TestAckFrameRoundTrip(t *testing.T) {
	wire := EncodeAckFrame(AckFrame{Count: 0x1F, Seq: 123456})
	got, n, err := DecodeAckFrame(wire[1:])
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.Equal(t, uint8(0x0F), got.Count) // masked to 4 bits
	require.Equal(t, uint32(123456), got.Seq)
}

func TestLSIDFramesRoundTrip(t *testing.T) {
	require.Equal(t, byte(FrameDetach), EncodeDetachFrame(5)[0])
	f, n, err := DecodeDetachFrame(EncodeDetachFrame(5)[1:])
	require.NoError(t, err)
	require.Equal(t, uint16(5), f.LSID)
	require.Equal(t, 5, n)
}

func TestSettingsFrameRoundTrip(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	wire := EncodeSettingsFrame(SettingsFrame{Payload: payload})
	got, n, err := DecodeSettingsFrame(wire[1:])
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.Equal(t, payload, got.Payload)
}

func TestDecodeStreamFrameRejectsTruncatedData(t *testing.T) {
	wire, err := EncodeStreamFrame(StreamFrame{HasData: true, Data: []byte("abcdef")})
	require.NoError(t, err)
	_, _, err = DecodeStreamFrame(wire[1 : len(wire)-3])
	require.Error(t, err)
}
