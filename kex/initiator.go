package kex

import (
	"crypto/rand"
	"io"

	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/identity"
)

type initiatorStage int

const (
	stageIdle initiatorStage = iota
	stageSentHello
	stageSentInitiate
	stageDone
)

// Initiator drives the client side of the handshake: idle -> hello ->
// initiate -> done.
type Initiator struct {
	longTerm *identity.PrivateKey
	localEID identity.EID
	recvTag  uint8

	stage initiatorStage

	ephPriv *identity.PrivateKey
	ephPub  identity.EID

	cookieNonce [24]byte
	cookieBox   []byte
	serverEph   identity.EID
}

// NewInitiator starts a handshake attempt using localRecvTag as the tag
// this side assigns for packets the peer will address back to it.
func NewInitiator(longTerm *identity.Keypair, localRecvTag uint8) *Initiator {
	return &Initiator{
		longTerm: longTerm.Private,
		localEID: longTerm.Public,
		recvTag:  localRecvTag,
		stage:    stageIdle,
	}
}

// BuildHello produces the first wire message and advances to stageSentHello.
func (in *Initiator) BuildHello() ([]byte, error) {
	if in.stage != stageIdle {
		return nil, errs.NewProtocolError("kex: hello already sent")
	}
	priv, pub, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	in.ephPriv = priv
	in.ephPub = pub
	in.stage = stageSentHello
	return helloMsg{ClientEphemeral: pub}.encode(), nil
}

// HandleCookie consumes the responder's Cookie message and produces
// Initiate.
func (in *Initiator) HandleCookie(raw []byte) ([]byte, error) {
	if in.stage != stageSentHello {
		return nil, errs.NewProtocolError("kex: unexpected cookie in stage %d", in.stage)
	}
	c, err := decodeCookie(raw)
	if err != nil {
		return nil, errs.NewAuthError("kex: %w", err)
	}
	in.serverEph = c.ServerEphemeral
	in.cookieNonce = c.CookieNonce
	in.cookieBox = append([]byte(nil), c.CookieBox...)

	handshakeShared, err := in.ephPriv.DH(c.ServerEphemeral)
	if err != nil {
		return nil, err
	}
	handshakeKey, err := deriveBoxKey(handshakeShared[:], "sss-initiate")
	if err != nil {
		return nil, err
	}

	vouchShared, err := in.longTerm.DH(c.ServerEphemeral)
	if err != nil {
		return nil, err
	}
	vouchKey, err := deriveBoxKey(vouchShared[:], "sss-vouch")
	if err != nil {
		return nil, err
	}
	var vouchNonce [24]byte
	if _, err := io.ReadFull(rand.Reader, vouchNonce[:]); err != nil {
		return nil, errs.NewProtocolError("kex: vouch nonce generation failed: %w", err)
	}
	vouchBox := seal(vouchKey, vouchNonce, in.ephPub[:])

	plaintext := initiatePlaintext{
		ClientLongTermPub: in.localEID,
		ClientRecvTag:     in.recvTag,
		VouchNonce:        vouchNonce,
		VouchBox:          vouchBox,
	}.encode()

	var outerNonce [24]byte
	if _, err := io.ReadFull(rand.Reader, outerNonce[:]); err != nil {
		return nil, errs.NewProtocolError("kex: outer nonce generation failed: %w", err)
	}
	outerBox := seal(handshakeKey, outerNonce, plaintext)

	msg := initiateMsg{
		ClientEphemeral: in.ephPub,
		CookieNonce:     in.cookieNonce,
		CookieBox:       in.cookieBox,
		OuterNonce:      outerNonce,
		OuterBox:        outerBox,
	}
	in.stage = stageSentInitiate
	return msg.encode(), nil
}

// HandleMessage consumes the responder's final Message and yields the
// session keys.
func (in *Initiator) HandleMessage(raw []byte) (SessionKeys, error) {
	var sk SessionKeys
	if in.stage != stageSentInitiate {
		return sk, errs.NewProtocolError("kex: unexpected message in stage %d", in.stage)
	}
	m, err := decodeMessage(raw)
	if err != nil {
		return sk, errs.NewAuthError("kex: %w", err)
	}

	shared, err := in.ephPriv.DH(in.serverEph)
	if err != nil {
		return sk, err
	}
	// tx is what the client sends (client->server); rx is what it receives,
	// each an independent HKDF expansion of the same ECDH output so a leak
	// of one direction's key doesn't compromise the other's.
	txKey, err := deriveBoxKey(shared[:], "sss-c2s")
	if err != nil {
		return sk, err
	}
	rxKey, err := deriveBoxKey(shared[:], "sss-s2c")
	if err != nil {
		return sk, err
	}

	plaintext, err := open(rxKey, m.Nonce, m.Box)
	if err != nil {
		return sk, err
	}
	p, err := decodeMessagePlaintext(plaintext)
	if err != nil {
		return sk, errs.NewProtocolError("kex: %w", err)
	}

	sk = SessionKeys{
		TxKey:          txKey,
		RxKey:          rxKey,
		TxHalfID:       halfIDFromPublic(in.ephPub),
		RxHalfID:       halfIDFromPublic(in.serverEph),
		PeerEID:        p.ServerEID,
		PeerChannelTag: p.ServerRecvTag,
		LocalRecvTag:   in.recvTag,
	}
	in.stage = stageDone
	if in.ephPriv != nil {
		in.ephPriv.Destroy()
	}
	return sk, nil
}
