package identity

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeypairDHAgreement(t *testing.T) {
	alice, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	bob, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	s1, err := alice.Private.DH(bob.Public)
	require.NoError(t, err)
	s2, err := bob.Private.DH(alice.Public)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestPublicMatchesGeneratedEID(t *testing.T) {
	kp, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	require.Equal(t, kp.Public, kp.Private.Public())
}

func TestEIDStringRoundTripsThroughParseEID(t *testing.T) {
	kp, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	parsed, err := ParseEID(kp.Public.String())
	require.NoError(t, err)
	require.Equal(t, kp.Public, parsed)
}

func TestParseEIDRejectsWrongLength(t *testing.T) {
	_, err := ParseEID("YWJj") // "abc", base64, too short
	require.Error(t, err)
}

func TestEIDEqualIsConstantTimeCorrect(t *testing.T) {
	kp, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	other := kp.Public
	other[0] ^= 0xFF
	require.True(t, kp.Public.Equal(kp.Public))
	require.False(t, kp.Public.Equal(other))
}

func TestEIDIsZero(t *testing.T) {
	var z EID
	require.True(t, z.IsZero())
	kp, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	require.False(t, kp.Public.IsZero())
}

func TestNewPrivateKeyFromBytesRejectsWrongLength(t *testing.T) {
	_, err := NewPrivateKeyFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDestroyIsIdempotent(t *testing.T) {
	kp, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	require.NotPanics(t, func() {
		kp.Private.Destroy()
		kp.Private.Destroy()
	})
}
