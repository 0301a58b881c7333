// Package identity implements the identity and EID concepts: a
// long-term curve25519 keypair naming a host, content-addressed and
// location-independent. Private key material is held in a memguard
// LockedBuffer, mlocked and wiped on destruction, following the pattern
// ratchet.go uses for its long-term and ratchet secrets.
package identity

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
)

// Size is the byte length of an EID and of a curve25519 scalar.
const Size = 32

// EID is a remote (or local) endpoint identifier: a curve25519 public key.
type EID [Size]byte

// String renders an EID as base64, the form used in log lines and stream
// addresses.
func (e EID) String() string {
	return base64.StdEncoding.EncodeToString(e[:])
}

// Hex renders an EID as lowercase hex.
func (e EID) Hex() string {
	return hex.EncodeToString(e[:])
}

// Equal performs a constant-time comparison of two EIDs.
func (e EID) Equal(o EID) bool {
	return subtle.ConstantTimeCompare(e[:], o[:]) == 1
}

// IsZero reports whether e is the zero value (never a valid EID).
func (e EID) IsZero() bool {
	var zero EID
	return e.Equal(zero)
}

// ParseEID decodes a base64-encoded EID, as accepted from configuration or
// a location hint.
func ParseEID(s string) (EID, error) {
	var e EID
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return e, err
	}
	if len(b) != Size {
		return e, errors.New("identity: wrong EID length")
	}
	copy(e[:], b)
	return e, nil
}

// PrivateKey is a long-term or ephemeral curve25519 secret scalar, held in
// locked, zero-on-destroy memory.
type PrivateKey struct {
	buf *memguard.LockedBuffer
}

// GeneratePrivateKey draws a fresh curve25519 secret scalar from rand.
func GeneratePrivateKey(rand io.Reader) (*PrivateKey, error) {
	buf, err := memguard.NewBufferFromReader(rand, Size)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{buf: buf}, nil
}

// NewPrivateKeyFromBytes wraps existing secret scalar bytes (e.g. loaded by
// an external identity-persistence collaborator) in locked memory. b is
// wiped by memguard once copied.
func NewPrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != Size {
		return nil, errors.New("identity: wrong private key length")
	}
	return &PrivateKey{buf: memguard.NewBufferFromBytes(b)}, nil
}

// Public derives the curve25519 public key (the EID) for this private key.
func (k *PrivateKey) Public() EID {
	var pub, priv [Size]byte
	copy(priv[:], k.buf.Bytes())
	curve25519.ScalarBaseMult(&pub, &priv)
	return EID(pub)
}

// Bytes exposes the raw scalar for use by the box/secretbox armor and the
// key-exchange DH step. The returned slice aliases locked memory and must
// not be retained past the call.
func (k *PrivateKey) Bytes() []byte {
	return k.buf.Bytes()
}

// DH computes the curve25519 shared secret with a peer's public key.
func (k *PrivateKey) DH(peer EID) ([Size]byte, error) {
	var priv [Size]byte
	copy(priv[:], k.buf.Bytes())
	shared, err := curve25519.X25519(priv[:], peer[:])
	var out [Size]byte
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// Destroy wipes and releases the locked memory. Safe to call more than
// once.
func (k *PrivateKey) Destroy() {
	k.buf.Destroy()
}

// Keypair bundles a private key and its derived public EID, the unit
// persisted by the (out-of-scope) identity-persistence collaborator and
// handed to Host.Create.
type Keypair struct {
	Private *PrivateKey
	Public  EID
}

// GenerateKeypair creates a fresh long-term or ephemeral identity.
func GenerateKeypair(rand io.Reader) (*Keypair, error) {
	priv, err := GeneratePrivateKey(rand)
	if err != nil {
		return nil, err
	}
	return &Keypair{Private: priv, Public: priv.Public()}, nil
}
