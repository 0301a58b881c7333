// Package armor implements the packet codec: authenticated encryption and
// decryption of one datagram keyed by a channel's tx/rx secrets and a
// 64-bit sequence number. Two schemes are provided: Box (preferred,
// curve25519/xsalsa20/poly1305 via nacl secretbox) and Legacy
// (AES-128-CTR+HMAC-SHA256, kept for backward experimentation). Failure to
// authenticate must not leak timing or partial plaintext and must never
// panic or mutate shared state; callers count bad-auth failures and drop
// the packet.
package armor

import "github.com/sssproto/sss/errs"

// KeySize is the symmetric key length used by both schemes' core secret.
const KeySize = 32

// Armor seals and opens channel packets. An implementation is exclusively
// owned by one channel and keyed by that channel's tx/rx secrets.
type Armor interface {
	// Seal authenticates and encrypts plaintext for transmission at seq on
	// the channel identified by channelID (the receiver's channel id for
	// packets traveling in that direction, mixed into the nonce so replays
	// across channels are rejected).
	Seal(channelID [8]byte, seq uint64, plaintext []byte) (ciphertext []byte)

	// Open authenticates and decrypts a received ciphertext. On
	// authentication failure it returns an *errs.AuthError and no
	// plaintext; the caller must drop the packet and count the failure,
	// never treat it as a protocol violation.
	Open(channelID [8]byte, seq uint64, ciphertext []byte) (plaintext []byte, err error)

	// Overhead returns the number of bytes Seal adds beyond len(plaintext).
	Overhead() int
}

// Scheme names the two negotiable armor constructions.
type Scheme uint8

const (
	// SchemeBox is the preferred, mandatory construction.
	SchemeBox Scheme = iota
	// SchemeLegacy is the optional AES-128-CTR+HMAC-SHA256 construction.
	SchemeLegacy
)

// New constructs an Armor for the given scheme and channel secrets. txKey
// encrypts outbound packets, rxKey decrypts inbound ones; for the legacy
// scheme each key is split into an AES key and an HMAC key by DeriveLegacyKeys.
func New(scheme Scheme, txKey, rxKey [KeySize]byte) (Armor, error) {
	switch scheme {
	case SchemeBox:
		return newBoxArmor(txKey, rxKey), nil
	case SchemeLegacy:
		return newLegacyArmor(txKey, rxKey)
	default:
		return nil, errs.NewConfigError("armor: unknown scheme %d", scheme)
	}
}
