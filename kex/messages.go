package kex

import (
	"encoding/binary"
	"fmt"

	"github.com/sssproto/sss/identity"
)

func putLenPrefixed(out []byte, b []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	out = append(out, l[:]...)
	return append(out, b...)
}

func takeLenPrefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("kex: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return nil, nil, fmt.Errorf("kex: truncated length-prefixed field (want %d, have %d)", n, len(b)-2)
	}
	return b[2 : 2+n], b[2+n:], nil
}

func checkMagic(b []byte, want string) ([]byte, error) {
	if len(b) < magicSize || string(b[:magicSize]) != want {
		return nil, fmt.Errorf("kex: bad magic, expected %q", want)
	}
	return b[magicSize:], nil
}

// helloMsg is the first handshake message: the client's ephemeral public
// key, sent to a responder that has no per-client state yet.
type helloMsg struct {
	ClientEphemeral identity.EID
}

func (h helloMsg) encode() []byte {
	out := make([]byte, 0, magicSize+identity.Size)
	out = append(out, []byte(MagicHello)...)
	out = append(out, h.ClientEphemeral[:]...)
	return out
}

func decodeHello(b []byte) (helloMsg, error) {
	var h helloMsg
	rest, err := checkMagic(b, MagicHello)
	if err != nil {
		return h, err
	}
	if len(rest) < identity.Size {
		return h, fmt.Errorf("kex: truncated hello")
	}
	copy(h.ClientEphemeral[:], rest)
	return h, nil
}

// cookieMsg is the responder's stateless reply: its ephemeral public key
// plus an opaque, self-authenticating cookie the client must echo back
// unmodified in Initiate.
type cookieMsg struct {
	ServerEphemeral identity.EID
	CookieNonce     [24]byte
	CookieBox       []byte
}

func (c cookieMsg) encode() []byte {
	out := make([]byte, 0, magicSize+identity.Size+24+2+len(c.CookieBox))
	out = append(out, []byte(MagicCookie)...)
	out = append(out, c.ServerEphemeral[:]...)
	out = append(out, c.CookieNonce[:]...)
	out = putLenPrefixed(out, c.CookieBox)
	return out
}

func decodeCookie(b []byte) (cookieMsg, error) {
	var c cookieMsg
	rest, err := checkMagic(b, MagicCookie)
	if err != nil {
		return c, err
	}
	if len(rest) < identity.Size+24 {
		return c, fmt.Errorf("kex: truncated cookie")
	}
	copy(c.ServerEphemeral[:], rest[:identity.Size])
	rest = rest[identity.Size:]
	copy(c.CookieNonce[:], rest[:24])
	rest = rest[24:]
	box, _, err := takeLenPrefixed(rest)
	if err != nil {
		return c, err
	}
	c.CookieBox = box
	return c, nil
}

// initiateMsg is the client's committed handshake step. It echoes the
// server's cookie unchanged (so the stateless responder can recover the
// ephemeral secret it never stored) and carries an outer box, encrypted
// under the ephemeral-ephemeral shared secret, holding the client's
// long-term identity and a vouch proving that identity's private key
// signed off on this specific ephemeral — the two-layer box a passive
// eavesdropper on the ephemeral exchange still can't forge.
type initiateMsg struct {
	ClientEphemeral identity.EID
	CookieNonce     [24]byte
	CookieBox       []byte
	OuterNonce      [24]byte
	OuterBox        []byte
}

func (i initiateMsg) encode() []byte {
	out := make([]byte, 0, 256)
	out = append(out, []byte(MagicInitiate)...)
	out = append(out, i.ClientEphemeral[:]...)
	out = append(out, i.CookieNonce[:]...)
	out = putLenPrefixed(out, i.CookieBox)
	out = append(out, i.OuterNonce[:]...)
	out = putLenPrefixed(out, i.OuterBox)
	return out
}

func decodeInitiate(b []byte) (initiateMsg, error) {
	var i initiateMsg
	rest, err := checkMagic(b, MagicInitiate)
	if err != nil {
		return i, err
	}
	if len(rest) < identity.Size+24 {
		return i, fmt.Errorf("kex: truncated initiate")
	}
	copy(i.ClientEphemeral[:], rest[:identity.Size])
	rest = rest[identity.Size:]
	copy(i.CookieNonce[:], rest[:24])
	rest = rest[24:]
	i.CookieBox, rest, err = takeLenPrefixed(rest)
	if err != nil {
		return i, err
	}
	if len(rest) < 24 {
		return i, fmt.Errorf("kex: truncated initiate outer nonce")
	}
	copy(i.OuterNonce[:], rest[:24])
	rest = rest[24:]
	i.OuterBox, _, err = takeLenPrefixed(rest)
	if err != nil {
		return i, err
	}
	return i, nil
}

// initiatePlaintext is sealed inside initiateMsg.OuterBox.
type initiatePlaintext struct {
	ClientLongTermPub identity.EID
	ClientRecvTag     uint8
	VouchNonce        [24]byte
	VouchBox          []byte
}

func (p initiatePlaintext) encode() []byte {
	out := make([]byte, 0, identity.Size+1+24+2+len(p.VouchBox))
	out = append(out, p.ClientLongTermPub[:]...)
	out = append(out, p.ClientRecvTag)
	out = append(out, p.VouchNonce[:]...)
	out = putLenPrefixed(out, p.VouchBox)
	return out
}

func decodeInitiatePlaintext(b []byte) (initiatePlaintext, error) {
	var p initiatePlaintext
	if len(b) < identity.Size+1+24 {
		return p, fmt.Errorf("kex: truncated initiate plaintext")
	}
	copy(p.ClientLongTermPub[:], b[:identity.Size])
	b = b[identity.Size:]
	p.ClientRecvTag = b[0]
	b = b[1:]
	copy(p.VouchNonce[:], b[:24])
	b = b[24:]
	box, _, err := takeLenPrefixed(b)
	if err != nil {
		return p, err
	}
	p.VouchBox = box
	return p, nil
}

// messageMsg is the responder's final handshake message, carrying its
// identity and channel tag under the now-established session key.
type messageMsg struct {
	Nonce [24]byte
	Box   []byte
}

func (m messageMsg) encode() []byte {
	out := make([]byte, 0, magicSize+24+2+len(m.Box))
	out = append(out, []byte(MagicMessage)...)
	out = append(out, m.Nonce[:]...)
	out = putLenPrefixed(out, m.Box)
	return out
}

func decodeMessage(b []byte) (messageMsg, error) {
	var m messageMsg
	rest, err := checkMagic(b, MagicMessage)
	if err != nil {
		return m, err
	}
	if len(rest) < 24 {
		return m, fmt.Errorf("kex: truncated message")
	}
	copy(m.Nonce[:], rest[:24])
	rest = rest[24:]
	box, _, err := takeLenPrefixed(rest)
	if err != nil {
		return m, err
	}
	m.Box = box
	return m, nil
}

// messagePlaintext is the CBOR-free, fixed-layout payload sealed inside
// messageMsg.Box: the responder's identity and the tag it assigned for
// packets addressed to it.
type messagePlaintext struct {
	ServerEID     identity.EID
	ServerRecvTag uint8
}

func (p messagePlaintext) encode() []byte {
	out := make([]byte, identity.Size+1)
	copy(out, p.ServerEID[:])
	out[identity.Size] = p.ServerRecvTag
	return out
}

func decodeMessagePlaintext(b []byte) (messagePlaintext, error) {
	var p messagePlaintext
	if len(b) < identity.Size+1 {
		return p, fmt.Errorf("kex: truncated message plaintext")
	}
	copy(p.ServerEID[:], b[:identity.Size])
	p.ServerRecvTag = b[identity.Size]
	return p, nil
}
