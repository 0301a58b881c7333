package kex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCookieJarSealOpenRoundTrip(t *testing.T) {
	j, err := newCookieJar(nil)
	require.NoError(t, err)

	plaintext := []byte("secret ephemeral bytes")
	nonce, box, err := j.seal(plaintext)
	require.NoError(t, err)

	got, err := j.open(nonce, box)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestCookieJarOpenFailsWithWrongKey(t *testing.T) {
	j1, err := newCookieJar(nil)
	require.NoError(t, err)
	j2, err := newCookieJar(nil)
	require.NoError(t, err)

	nonce, box, err := j1.seal([]byte("payload"))
	require.NoError(t, err)
	_, err = j2.open(nonce, box)
	require.Error(t, err)
}

func TestCookieJarToleratesRotationBoundary(t *testing.T) {
	j, err := newCookieJar(nil)
	require.NoError(t, err)

	nonce, box, err := j.seal([]byte("issued just before rotation"))
	require.NoError(t, err)

	// force the rotation the timer queue would otherwise schedule.
	j.rotate()

	got, err := j.open(nonce, box)
	require.NoError(t, err, "a cookie sealed under the previous key must still open once")
	require.Equal(t, []byte("issued just before rotation"), got)
}

func TestCookieJarRejectsAfterTwoRotations(t *testing.T) {
	j, err := newCookieJar(nil)
	require.NoError(t, err)

	nonce, box, err := j.seal([]byte("stale"))
	require.NoError(t, err)

	j.rotate() // cur -> prev
	j.rotate() // prev is dropped

	_, err = j.open(nonce, box)
	require.Error(t, err)
}
