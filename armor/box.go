package armor

import (
	"encoding/binary"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/sssproto/sss/errs"
)

// boxArmor is the preferred scheme: xsalsa20/poly1305 secretbox, keyed by a
// per-direction 32-byte secret produced by the key-exchange's HKDF step.
// Grounded on stream/stream.go's txFrame (secretbox.Seal with a random
// nonce) and readFrame (secretbox.Open); here the nonce is deterministic
// (channel id + sequence) rather than random, since the sequence already
// guarantees uniqueness per channel direction and a deterministic nonce
// lets the receiver reconstruct it without transmitting it.
type boxArmor struct {
	txKey [KeySize]byte
	rxKey [KeySize]byte
}

func newBoxArmor(txKey, rxKey [KeySize]byte) *boxArmor {
	return &boxArmor{txKey: txKey, rxKey: rxKey}
}

// nonce binds the channel identity and sequence into the 24-byte secretbox
// nonce, so a packet sealed for one channel can never be replayed and
// accepted on another.
func boxNonce(channelID [8]byte, seq uint64) [24]byte {
	var n [24]byte
	copy(n[0:8], []byte("sss-pkt1"))
	copy(n[8:16], channelID[:])
	binary.BigEndian.PutUint64(n[16:24], seq)
	return n
}

func (a *boxArmor) Seal(channelID [8]byte, seq uint64, plaintext []byte) []byte {
	nonce := boxNonce(channelID, seq)
	return secretbox.Seal(nil, plaintext, &nonce, &a.txKey)
}

func (a *boxArmor) Open(channelID [8]byte, seq uint64, ciphertext []byte) ([]byte, error) {
	nonce := boxNonce(channelID, seq)
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &a.rxKey)
	if !ok {
		return nil, errs.NewAuthError("box armor: authentication failed")
	}
	return plaintext, nil
}

func (a *boxArmor) Overhead() int {
	return secretbox.Overhead
}
