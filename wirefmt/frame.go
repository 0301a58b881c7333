package wirefmt

import (
	"encoding/binary"
	"fmt"
)

// FrameType is the 1-byte type tag leading every frame.
type FrameType uint8

const (
	FrameEmpty        FrameType = 0
	FrameStream       FrameType = 1
	FrameAck          FrameType = 2
	FramePadding      FrameType = 3
	FrameDecongestion FrameType = 4
	FrameDetach       FrameType = 5
	FrameReset        FrameType = 6
	FrameClose        FrameType = 7
	FrameSettings     FrameType = 8
	FramePriority     FrameType = 9
)

func (t FrameType) String() string {
	switch t {
	case FrameEmpty:
		return "EMPTY"
	case FrameStream:
		return "STREAM"
	case FrameAck:
		return "ACK"
	case FramePadding:
		return "PADDING"
	case FrameDecongestion:
		return "DECONGESTION"
	case FrameDetach:
		return "DETACH"
	case FrameReset:
		return "RESET"
	case FrameClose:
		return "CLOSE"
	case FrameSettings:
		return "SETTINGS"
	case FramePriority:
		return "PRIORITY"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// USIDWireSize is the wire width reserved for a USID inside a STREAM frame.
// The data model's USID is 16 logical bytes (8-byte channel-half-id + 8-byte
// counter); the frame layout fixes 24 bytes on the wire. The 8 trailing
// bytes are reserved (zero on write, ignored on read) rather than
// repurposed, so unused flag bits stay reserved instead of being relied on.
const USIDWireSize = 24

// USID names a stream globally and stably across channel migration.
type USID struct {
	ChannelHalf [8]byte
	Counter     uint64
}

func (u USID) encode() [USIDWireSize]byte {
	var out [USIDWireSize]byte
	copy(out[0:8], u.ChannelHalf[:])
	binary.BigEndian.PutUint64(out[8:16], u.Counter)
	return out
}

func decodeUSID(b []byte) USID {
	var u USID
	copy(u.ChannelHalf[:], b[0:8])
	u.Counter = binary.BigEndian.Uint64(b[8:16])
	return u
}

// Stream frame flag bits.
const (
	flagNoAck       = 1 << 7
	flagInit        = 1 << 6
	flagUSIDPresent = 1 << 5
	flagOffWidthLo  = 2 // bits 4..2, shifted by this
	flagOffWidthMsk = 0x7
	flagDataPresent = 1 << 1
	flagFin         = 1 << 0
)

// offsetWidths gives the byte width for each of the 8 possible 3-bit
// off-width codes.
var offsetWidths = [8]int{0, 2, 3, 4, 5, 6, 7, 8}

func widthCode(width int) (uint8, error) {
	for i, w := range offsetWidths {
		if w == width {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("wirefmt: unsupported stream-offset width %d", width)
}

// widthFor returns the narrowest supported width that can represent offset.
func widthFor(offset uint64) int {
	switch {
	case offset == 0:
		return 0
	case offset <= 0xFFFF:
		return 2
	case offset <= 0xFFFFFF:
		return 3
	case offset <= 0xFFFFFFFF:
		return 4
	case offset <= 0xFFFFFFFFFF:
		return 5
	case offset <= 0xFFFFFFFFFFFF:
		return 6
	case offset <= 0xFFFFFFFFFFFFFF:
		return 7
	default:
		return 8
	}
}

// StreamFrame is the decoded form of a FrameStream wire frame.
type StreamFrame struct {
	NoAck       bool
	Init        bool
	Fin         bool
	LSID        uint16
	ParentLSID  uint16
	HasParent   bool
	USID        USID
	HasUSID     bool
	Offset      uint64
	HasData     bool
	Data        []byte
}

// EncodeStreamFrame serializes f, choosing the narrowest offset width that
// represents f.Offset.
func EncodeStreamFrame(f StreamFrame) ([]byte, error) {
	width := widthFor(f.Offset)
	wcode, err := widthCode(width)
	if err != nil {
		return nil, err
	}

	flags := uint8(0)
	if f.NoAck {
		flags |= flagNoAck
	}
	if f.Init {
		flags |= flagInit
	}
	if f.HasUSID {
		flags |= flagUSIDPresent
	}
	flags |= (wcode & flagOffWidthMsk) << flagOffWidthLo
	if f.HasData {
		flags |= flagDataPresent
	}
	if f.Fin {
		flags |= flagFin
	}

	size := 1 + 1 + 4
	if f.Init {
		size += 4
		if f.HasUSID {
			size += USIDWireSize
		}
	}
	size += width
	if f.HasData {
		size += 2 + len(f.Data)
	}

	out := make([]byte, 0, size)
	out = append(out, byte(FrameStream), flags)
	out = appendUint32(out, uint32(f.LSID))
	if f.Init {
		out = appendUint32(out, uint32(f.ParentLSID))
		if f.HasUSID {
			wire := f.USID.encode()
			out = append(out, wire[:]...)
		}
	}
	out = appendUintWidth(out, f.Offset, width)
	if f.HasData {
		if len(f.Data) > 0xFFFF {
			return nil, fmt.Errorf("wirefmt: stream frame data too large (%d bytes)", len(f.Data))
		}
		out = appendUint16(out, uint16(len(f.Data)))
		out = append(out, f.Data...)
	}
	return out, nil
}

// DecodeStreamFrame parses a STREAM frame body (b excludes the leading type
// byte, which the caller has already consumed).
func DecodeStreamFrame(b []byte) (StreamFrame, int, error) {
	var f StreamFrame
	if len(b) < 1+4 {
		return f, 0, fmt.Errorf("wirefmt: truncated stream frame")
	}
	flags := b[0]
	f.NoAck = flags&flagNoAck != 0
	f.Init = flags&flagInit != 0
	f.HasUSID = flags&flagUSIDPresent != 0
	f.HasData = flags&flagDataPresent != 0
	f.Fin = flags&flagFin != 0
	wcode := (flags >> flagOffWidthLo) & flagOffWidthMsk
	if int(wcode) >= len(offsetWidths) {
		return f, 0, fmt.Errorf("wirefmt: invalid offset-width code %d", wcode)
	}
	width := offsetWidths[wcode]

	off := 1
	f.LSID = uint16(readUint32(b[off:]))
	off += 4

	if f.Init {
		if len(b) < off+4 {
			return f, 0, fmt.Errorf("wirefmt: truncated parent-LSID")
		}
		f.HasParent = true
		f.ParentLSID = uint16(readUint32(b[off:]))
		off += 4
		if f.HasUSID {
			if len(b) < off+USIDWireSize {
				return f, 0, fmt.Errorf("wirefmt: truncated USID")
			}
			f.USID = decodeUSID(b[off:])
			off += USIDWireSize
		}
	}

	if len(b) < off+width {
		return f, 0, fmt.Errorf("wirefmt: truncated stream offset")
	}
	f.Offset = readUintWidth(b[off:off+width], width)
	off += width

	if f.HasData {
		if len(b) < off+2 {
			return f, 0, fmt.Errorf("wirefmt: truncated data length")
		}
		dlen := int(readUint16(b[off:]))
		off += 2
		if len(b) < off+dlen {
			return f, 0, fmt.Errorf("wirefmt: stream frame data length %d exceeds packet", dlen)
		}
		f.Data = b[off : off+dlen]
		off += dlen
	}
	return f, off + 1, nil // +1 accounts for the type byte the caller consumed
}

// AckFrame carries an out-of-band acknowledgement independent of any
// STREAM frame's piggybacked ACK. The stream multiplexer decodes and skips
// it; the channel's pure-ACK and delayed-ACK packets carry their
// acknowledgement in the packet header instead.
type AckFrame struct {
	Count uint8
	Seq   uint32
}

func EncodeAckFrame(f AckFrame) []byte {
	out := make([]byte, 0, 1+1+4)
	out = append(out, byte(FrameAck), f.Count&0x0F)
	out = appendUint32(out, f.Seq)
	return out
}

func DecodeAckFrame(b []byte) (AckFrame, int, error) {
	var f AckFrame
	if len(b) < 1+4 {
		return f, 0, fmt.Errorf("wirefmt: truncated ack frame")
	}
	f.Count = b[0] & 0x0F
	f.Seq = readUint32(b[1:])
	return f, 1 + 4 + 1, nil
}

// DetachFrame/ResetFrame/CloseFrame/PriorityFrame all share the same simple
// "type + LSID" layout.
type LSIDFrame struct {
	LSID uint16
}

func encodeLSIDFrame(t FrameType, lsid uint16) []byte {
	out := make([]byte, 0, 1+4)
	out = append(out, byte(t))
	out = appendUint32(out, uint32(lsid))
	return out
}

func decodeLSIDFrame(b []byte) (LSIDFrame, int, error) {
	var f LSIDFrame
	if len(b) < 4 {
		return f, 0, fmt.Errorf("wirefmt: truncated LSID frame")
	}
	f.LSID = uint16(readUint32(b))
	return f, 4 + 1, nil
}

func EncodeDetachFrame(lsid uint16) []byte   { return encodeLSIDFrame(FrameDetach, lsid) }
func EncodeResetFrame(lsid uint16) []byte    { return encodeLSIDFrame(FrameReset, lsid) }
func EncodeCloseFrame(lsid uint16) []byte    { return encodeLSIDFrame(FrameClose, lsid) }
func DecodeDetachFrame(b []byte) (LSIDFrame, int, error) { return decodeLSIDFrame(b) }
func DecodeResetFrame(b []byte) (LSIDFrame, int, error)  { return decodeLSIDFrame(b) }
func DecodeCloseFrame(b []byte) (LSIDFrame, int, error)  { return decodeLSIDFrame(b) }

// PriorityFrame updates a remote-visible priority hint on an existing LSID
// without moving data.
type PriorityFrame struct {
	LSID     uint16
	Priority uint32
}

func EncodePriorityFrame(f PriorityFrame) []byte {
	out := make([]byte, 0, 1+4+4)
	out = append(out, byte(FramePriority))
	out = appendUint32(out, uint32(f.LSID))
	out = appendUint32(out, f.Priority)
	return out
}

func DecodePriorityFrame(b []byte) (PriorityFrame, int, error) {
	var f PriorityFrame
	if len(b) < 8 {
		return f, 0, fmt.Errorf("wirefmt: truncated priority frame")
	}
	f.LSID = uint16(readUint32(b))
	f.Priority = readUint32(b[4:])
	return f, 8 + 1, nil
}

// SettingsFrame carries a CBOR-encoded advisory parameter blob (supplemented
// feature). The payload is opaque to wirefmt; encoding/decoding its
// contents is the caller's concern (see stream/flowcontrol.go).
type SettingsFrame struct {
	Payload []byte
}

func EncodeSettingsFrame(f SettingsFrame) []byte {
	out := make([]byte, 0, 1+2+len(f.Payload))
	out = append(out, byte(FrameSettings))
	out = appendUint16(out, uint16(len(f.Payload)))
	out = append(out, f.Payload...)
	return out
}

func DecodeSettingsFrame(b []byte) (SettingsFrame, int, error) {
	var f SettingsFrame
	if len(b) < 2 {
		return f, 0, fmt.Errorf("wirefmt: truncated settings frame")
	}
	plen := int(readUint16(b))
	if len(b) < 2+plen {
		return f, 0, fmt.Errorf("wirefmt: settings payload length %d exceeds packet", plen)
	}
	f.Payload = b[2 : 2+plen]
	return f, 2 + plen + 1, nil
}

// EncodeEmptyFrame / EncodePaddingFrame / EncodeDecongestionFrame are
// single-byte frames carrying no body.
func EncodeEmptyFrame() []byte        { return []byte{byte(FrameEmpty)} }
func EncodePaddingFrame(n int) []byte { return append([]byte{byte(FramePadding)}, make([]byte, n)...) }
func EncodeDecongestionFrame() []byte { return []byte{byte(FrameDecongestion)} }

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUintWidth(b []byte, v uint64, width int) []byte {
	if width == 0 {
		return b
	}
	tmp := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	return append(b, tmp...)
}

func readUint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func readUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func readUintWidth(b []byte, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v
}
