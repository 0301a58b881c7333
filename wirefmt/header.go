// Package wirefmt implements the on-the-wire binary layouts of the core
// transport: the 8-byte plaintext packet header and the typed frames
// packed inside a channel payload. Every layout here is hand-packed
// binary, fixed per frame type, rather than run through a generic
// serializer; free-form payloads (SETTINGS values, the service handshake
// record) are CBOR-encoded blobs carried inside these fixed layouts.
package wirefmt

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed plaintext header length in bytes.
const HeaderSize = 8

// Header is the two-word plaintext packet header.
type Header struct {
	// ChannelTag is the receiver-assigned channel discriminator. Zero is
	// reserved and never assigned to a channel. Pure-ACK packets carry the
	// channel's tag like any other packet; a zero SeqLow and an empty
	// payload mark them instead.
	ChannelTag uint8
	// SeqLow is the low 24 bits of the transmit sequence.
	SeqLow uint32
	// AckCount is the 4-bit consecutive-ACK count n.
	AckCount uint8
	// AckSeqLow is the low 24 bits of the ACK sequence s.
	AckSeqLow uint32
}

// Encode packs h into the 8-byte wire header.
func (h Header) Encode() [HeaderSize]byte {
	var out [HeaderSize]byte
	word0 := (uint32(h.ChannelTag) << 24) | (h.SeqLow & 0x00FFFFFF)
	word1 := (uint32(h.AckCount&0x0F) << 28) | (h.AckSeqLow & 0x00FFFFFF)
	binary.BigEndian.PutUint32(out[0:4], word0)
	binary.BigEndian.PutUint32(out[4:8], word1)
	return out
}

// DecodeHeader parses the leading 8 bytes of a received datagram.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("wirefmt: short packet header (%d bytes)", len(b))
	}
	word0 := binary.BigEndian.Uint32(b[0:4])
	word1 := binary.BigEndian.Uint32(b[4:8])
	h.ChannelTag = uint8(word0 >> 24)
	h.SeqLow = word0 & 0x00FFFFFF
	h.AckCount = uint8(word1 >> 28)
	h.AckSeqLow = word1 & 0x00FFFFFF
	return h, nil
}

// ExtendSequence reconstructs the full 64-bit sequence from its low 24 bits
// and the receiver's current expectation, choosing among the three
// candidates that share those low bits the one nearest to expected.
func ExtendSequence(low uint32, expected uint64) uint64 {
	expectedHigh := expected >> 24
	candidates := make([]uint64, 0, 3)
	if expectedHigh > 0 {
		candidates = append(candidates, ((expectedHigh-1)<<24)|uint64(low))
	}
	candidates = append(candidates, (expectedHigh<<24)|uint64(low))
	candidates = append(candidates, ((expectedHigh+1)<<24)|uint64(low))

	best := candidates[0]
	bestDist := absDiff(best, expected)
	for _, c := range candidates[1:] {
		if d := absDiff(c, expected); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
