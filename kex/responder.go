package kex

import (
	"crypto/sha256"

	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/identity"
	"github.com/sssproto/sss/timer"
)

// Responder drives the stateless-until-Initiate side of the handshake.
// One Responder serves an arbitrary number of concurrent Hello/Initiate
// attempts from different peers; it retains only the rotating cookie key
// and the replay cache, nothing per-attempt.
type Responder struct {
	longTerm *identity.PrivateKey
	localEID identity.EID
	jar      *cookieJar
	replay   *replayCache
}

// NewResponder builds a Responder bound to longTerm's identity. cacheSize
// sizes the replay LRU; zero picks a sane default. engine supplies the
// clock the cookie jar's rotation timer schedules against; nil defaults to
// timer.Default.
func NewResponder(longTerm *identity.Keypair, cacheSize int, engine timer.Engine) (*Responder, error) {
	jar, err := newCookieJar(engine)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	return &Responder{
		longTerm: longTerm.Private,
		localEID: longTerm.Public,
		jar:      jar,
		replay:   newReplayCache(cacheSize),
	}, nil
}

// Start launches the responder's background cookie-rotation goroutine.
func (r *Responder) Start() {
	r.jar.start()
}

// Stop halts the cookie-rotation goroutine and waits for it to exit.
func (r *Responder) Stop() {
	r.jar.stop()
}

// HandleHello answers a Hello with a Cookie, generating and immediately
// forgetting a fresh ephemeral keypair: everything needed to recover it
// later is sealed into the cookie the client must echo back.
func (r *Responder) HandleHello(raw []byte) ([]byte, error) {
	h, err := decodeHello(raw)
	if err != nil {
		return nil, errs.NewAuthError("kex: %w", err)
	}

	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	defer ephPriv.Destroy()

	plaintext := make([]byte, 0, identity.Size*2)
	plaintext = append(plaintext, ephPriv.Bytes()...)
	plaintext = append(plaintext, h.ClientEphemeral[:]...)

	nonce, box, err := r.jar.seal(plaintext)
	if err != nil {
		return nil, err
	}

	return cookieMsg{ServerEphemeral: ephPub, CookieNonce: nonce, CookieBox: box}.encode(), nil
}

// HandleInitiate validates a committed handshake attempt: recovers the
// cookie's sealed ephemeral secret, checks the replay cache, opens the
// outer box, verifies the client's vouch against its claimed long-term
// identity, and on success derives session keys and builds the final
// Message reply. localRecvTag is the fresh 8-bit channel discriminator the
// caller has allocated for the channel this handshake is about to produce.
func (r *Responder) HandleInitiate(raw []byte, localRecvTag uint8) (SessionKeys, []byte, error) {
	var sk SessionKeys
	i, err := decodeInitiate(raw)
	if err != nil {
		return sk, nil, errs.NewAuthError("kex: %w", err)
	}

	digest := sha256.Sum256(append(append([]byte(nil), i.CookieNonce[:]...), i.CookieBox...))
	if r.replay.seen(digest) {
		return sk, nil, errs.NewAuthError("kex: replayed initiate")
	}

	cookiePlaintext, err := r.jar.open(i.CookieNonce, i.CookieBox)
	if err != nil {
		return sk, nil, err
	}
	if len(cookiePlaintext) != identity.Size*2 {
		return sk, nil, errs.NewProtocolError("kex: malformed cookie payload")
	}
	serverEphPrivBytes := cookiePlaintext[:identity.Size]
	var cookieClientEph identity.EID
	copy(cookieClientEph[:], cookiePlaintext[identity.Size:])
	if cookieClientEph != i.ClientEphemeral {
		return sk, nil, errs.NewAuthError("kex: cookie/client-ephemeral mismatch")
	}

	serverEphPriv, err := identity.NewPrivateKeyFromBytes(serverEphPrivBytes)
	if err != nil {
		return sk, nil, err
	}
	defer serverEphPriv.Destroy()
	serverEphPub := serverEphPriv.Public()

	handshakeShared, err := serverEphPriv.DH(i.ClientEphemeral)
	if err != nil {
		return sk, nil, err
	}
	handshakeKey, err := deriveBoxKey(handshakeShared[:], "sss-initiate")
	if err != nil {
		return sk, nil, err
	}
	outerPlaintext, err := open(handshakeKey, i.OuterNonce, i.OuterBox)
	if err != nil {
		return sk, nil, err
	}
	p, err := decodeInitiatePlaintext(outerPlaintext)
	if err != nil {
		return sk, nil, errs.NewProtocolError("kex: %w", err)
	}

	vouchShared, err := serverEphPriv.DH(p.ClientLongTermPub)
	if err != nil {
		return sk, nil, err
	}
	vouchKey, err := deriveBoxKey(vouchShared[:], "sss-vouch")
	if err != nil {
		return sk, nil, err
	}
	vouchPlaintext, err := open(vouchKey, p.VouchNonce, p.VouchBox)
	if err != nil {
		return sk, nil, errs.NewAuthError("kex: vouch authentication failed: %w", err)
	}
	if len(vouchPlaintext) != identity.Size || string(vouchPlaintext) != string(i.ClientEphemeral[:]) {
		return sk, nil, errs.NewAuthError("kex: vouch does not bind to this ephemeral")
	}

	// from the responder's perspective rx is client->server, tx is
	// server->client; the labeling mirrors the initiator's so both sides
	// land on the same key for each direction without exchanging roles.
	rxKey, err := deriveBoxKey(handshakeShared[:], "sss-c2s")
	if err != nil {
		return sk, nil, err
	}
	txKey, err := deriveBoxKey(handshakeShared[:], "sss-s2c")
	if err != nil {
		return sk, nil, err
	}

	reply := messagePlaintext{ServerEID: r.localEID, ServerRecvTag: localRecvTag}.encode()
	msgNonce := nonceFromCounter("sss-msg", 0)
	msgBox := seal(txKey, msgNonce, reply)

	sk = SessionKeys{
		TxKey:          txKey,
		RxKey:          rxKey,
		TxHalfID:       halfIDFromPublic(serverEphPub),
		RxHalfID:       halfIDFromPublic(i.ClientEphemeral),
		PeerEID:        p.ClientLongTermPub,
		PeerChannelTag: p.ClientRecvTag,
		LocalRecvTag:   localRecvTag,
	}
	return sk, messageMsg{Nonce: msgNonce, Box: msgBox}.encode(), nil
}
