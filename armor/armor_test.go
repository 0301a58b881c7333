package armor

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var k [KeySize]byte
	_, err := io.ReadFull(rand.Reader, k[:])
	require.NoError(t, err)
	return k
}

func TestBoxArmorRoundTrip(t *testing.T) {
	a := randKey(t)
	b := randKey(t)

	alice, err := New(SchemeBox, a, b)
	require.NoError(t, err)
	bob, err := New(SchemeBox, b, a)
	require.NoError(t, err)

	var channelID [8]byte
	copy(channelID[:], "chan0001")

	plaintext := []byte("hello across the wire")
	ciphertext := alice.Seal(channelID, 1, plaintext)
	got, err := bob.Open(channelID, 1, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestBoxArmorRejectsWrongSequence(t *testing.T) {
	a := randKey(t)
	b := randKey(t)
	alice, _ := New(SchemeBox, a, b)
	bob, _ := New(SchemeBox, b, a)

	var channelID [8]byte
	ciphertext := alice.Seal(channelID, 5, []byte("data"))
	_, err := bob.Open(channelID, 6, ciphertext)
	require.Error(t, err)
}

func TestBoxArmorRejectsWrongChannel(t *testing.T) {
	a := randKey(t)
	b := randKey(t)
	alice, _ := New(SchemeBox, a, b)
	bob, _ := New(SchemeBox, b, a)

	var ch1, ch2 [8]byte
	ch2[0] = 1
	ciphertext := alice.Seal(ch1, 1, []byte("data"))
	_, err := bob.Open(ch2, 1, ciphertext)
	require.Error(t, err)
}

func TestLegacyArmorRoundTrip(t *testing.T) {
	a := randKey(t)
	b := randKey(t)
	alice, err := New(SchemeLegacy, a, b)
	require.NoError(t, err)
	bob, err := New(SchemeLegacy, b, a)
	require.NoError(t, err)

	var channelID [8]byte
	copy(channelID[:], "chan0002")
	plaintext := []byte("legacy scheme payload")
	ciphertext := alice.Seal(channelID, 42, plaintext)
	got, err := bob.Open(channelID, 42, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestLegacyArmorRejectsTamperedTag(t *testing.T) {
	a := randKey(t)
	b := randKey(t)
	alice, _ := New(SchemeLegacy, a, b)
	bob, _ := New(SchemeLegacy, b, a)

	var channelID [8]byte
	ciphertext := alice.Seal(channelID, 1, []byte("data"))
	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err := bob.Open(channelID, 1, ciphertext)
	require.Error(t, err)
}

func TestNewUnknownScheme(t *testing.T) {
	_, err := New(Scheme(99), randKey(t), randKey(t))
	require.Error(t, err)
}

func TestOverheadMatchesSealGrowth(t *testing.T) {
	a := randKey(t)
	b := randKey(t)
	alice, _ := New(SchemeBox, a, b)
	var channelID [8]byte
	plaintext := []byte("some payload bytes")
	ciphertext := alice.Seal(channelID, 1, plaintext)
	require.Equal(t, len(plaintext)+alice.Overhead(), len(ciphertext))
}
