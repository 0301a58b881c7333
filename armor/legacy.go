package armor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/sssproto/sss/errs"
)

// legacyAESKeySize is fixed by AES-128.
const legacyAESKeySize = 16
const legacyMACSize = sha256.Size

// legacyArmor is the optional armor kept for experimentation:
// AES-128-CTR for confidentiality, HMAC-SHA256 over (channel id, sequence,
// ciphertext) for authentication. There is no third-party Go library in the
// retrieved pack for an AES-CTR+HMAC AEAD construction (the pack's AEAD
// offerings are all secretbox/chacha20poly1305 style); this scheme is
// therefore built directly on stdlib crypto/aes, crypto/cipher and
// crypto/hmac, which is the one place this module falls back to the
// standard library for a genuinely cryptographic operation (see
// DESIGN.md).
type legacyArmor struct {
	txAESKey [legacyAESKeySize]byte
	txMACKey [KeySize]byte
	rxAESKey [legacyAESKeySize]byte
	rxMACKey [KeySize]byte
}

func deriveLegacySubkeys(secret [KeySize]byte) (aesKey [legacyAESKeySize]byte, macKey [KeySize]byte) {
	kdf := hkdf.New(sha256.New, secret[:], []byte("sss-legacy-armor"), nil)
	io.ReadFull(kdf, aesKey[:])
	io.ReadFull(kdf, macKey[:])
	return
}

func newLegacyArmor(txKey, rxKey [KeySize]byte) (*legacyArmor, error) {
	a := &legacyArmor{}
	a.txAESKey, a.txMACKey = deriveLegacySubkeys(txKey)
	a.rxAESKey, a.rxMACKey = deriveLegacySubkeys(rxKey)
	return a, nil
}

func legacyIV(channelID [8]byte, seq uint64) [aes.BlockSize]byte {
	var iv [aes.BlockSize]byte
	copy(iv[0:8], channelID[:])
	binary.BigEndian.PutUint64(iv[8:16], seq)
	return iv
}

func legacyMAC(macKey [KeySize]byte, channelID [8]byte, seq uint64, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, macKey[:])
	mac.Write(channelID[:])
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	mac.Write(seqBuf[:])
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

func (a *legacyArmor) Seal(channelID [8]byte, seq uint64, plaintext []byte) []byte {
	block, err := aes.NewCipher(a.txAESKey[:])
	if err != nil {
		panic(err) // fixed key size, cannot fail
	}
	iv := legacyIV(channelID, seq)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv[:]).XORKeyStream(ciphertext, plaintext)
	tag := legacyMAC(a.txMACKey, channelID, seq, ciphertext)
	return append(ciphertext, tag...)
}

func (a *legacyArmor) Open(channelID [8]byte, seq uint64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < legacyMACSize {
		return nil, errs.NewAuthError("legacy armor: ciphertext shorter than MAC")
	}
	body, tag := ciphertext[:len(ciphertext)-legacyMACSize], ciphertext[len(ciphertext)-legacyMACSize:]
	want := legacyMAC(a.rxMACKey, channelID, seq, body)
	if !hmac.Equal(tag, want) {
		return nil, errs.NewAuthError("legacy armor: MAC mismatch")
	}
	block, err := aes.NewCipher(a.rxAESKey[:])
	if err != nil {
		panic(err)
	}
	iv := legacyIV(channelID, seq)
	plaintext := make([]byte, len(body))
	cipher.NewCTR(block, iv[:]).XORKeyStream(plaintext, body)
	return plaintext, nil
}

func (a *legacyArmor) Overhead() int {
	return legacyMACSize
}
