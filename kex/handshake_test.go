package kex

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sssproto/sss/identity"
)

func TestFullHandshakeProducesMatchingSessionKeys(t *testing.T) {
	clientKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	serverKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	responder, err := NewResponder(serverKP, 16, nil)
	require.NoError(t, err)
	initiator := NewInitiator(clientKP, 7)

	hello, err := initiator.BuildHello()
	require.NoError(t, err)

	cookie, err := responder.HandleHello(hello)
	require.NoError(t, err)

	initiateMsg, err := initiator.HandleCookie(cookie)
	require.NoError(t, err)

	serverRecvTag := uint8(3)
	serverKeys, reply, err := responder.HandleInitiate(initiateMsg, serverRecvTag)
	require.NoError(t, err)

	clientKeys, err := initiator.HandleMessage(reply)
	require.NoError(t, err)

	// each side's transmit key must equal the other's receive key.
	require.Equal(t, clientKeys.TxKey, serverKeys.RxKey)
	require.Equal(t, clientKeys.RxKey, serverKeys.TxKey)
	require.Equal(t, clientKeys.TxHalfID, serverKeys.RxHalfID)
	require.Equal(t, clientKeys.RxHalfID, serverKeys.TxHalfID)

	require.Equal(t, serverKP.Public, clientKeys.PeerEID)
	require.Equal(t, clientKP.Public, serverKeys.PeerEID)

	require.Equal(t, serverRecvTag, clientKeys.PeerChannelTag)
	require.Equal(t, uint8(7), serverKeys.PeerChannelTag)
	require.Equal(t, uint8(7), clientKeys.LocalRecvTag)
	require.Equal(t, serverRecvTag, serverKeys.LocalRecvTag)
}

func TestHandshakeRejectsReplayedInitiate(t *testing.T) {
	clientKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	serverKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	responder, err := NewResponder(serverKP, 16, nil)
	require.NoError(t, err)
	initiator := NewInitiator(clientKP, 1)

	hello, err := initiator.BuildHello()
	require.NoError(t, err)
	cookie, err := responder.HandleHello(hello)
	require.NoError(t, err)
	initiateMsg, err := initiator.HandleCookie(cookie)
	require.NoError(t, err)

	_, _, err = responder.HandleInitiate(initiateMsg, 2)
	require.NoError(t, err)

	_, _, err = responder.HandleInitiate(initiateMsg, 2)
	require.Error(t, err, "a second Initiate with the same cookie echo must be rejected as a replay")
}

func TestHandshakeRejectsForgedVouch(t *testing.T) {
	clientKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	serverKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	otherKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	responder, err := NewResponder(serverKP, 16, nil)
	require.NoError(t, err)
	// the initiator signs its vouch with a different long-term key than the
	// one it claims, so the server-side vouch check must fail.
	initiator := NewInitiator(otherKP, 1)
	initiator.localEID = clientKP.Public

	hello, err := initiator.BuildHello()
	require.NoError(t, err)
	cookie, err := responder.HandleHello(hello)
	require.NoError(t, err)
	initiateMsg, err := initiator.HandleCookie(cookie)
	require.NoError(t, err)

	_, _, err = responder.HandleInitiate(initiateMsg, 2)
	require.Error(t, err)
}

func TestHandshakeRejectsTamperedOuterBox(t *testing.T) {
	clientKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	serverKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	responder, err := NewResponder(serverKP, 16, nil)
	require.NoError(t, err)
	initiator := NewInitiator(clientKP, 1)

	hello, err := initiator.BuildHello()
	require.NoError(t, err)
	cookie, err := responder.HandleHello(hello)
	require.NoError(t, err)
	initiateMsg, err := initiator.HandleCookie(cookie)
	require.NoError(t, err)

	initiateMsg[len(initiateMsg)-1] ^= 0xFF

	_, _, err = responder.HandleInitiate(initiateMsg, 2)
	require.Error(t, err)
}

func TestInitiatorRejectsOutOfOrderMessages(t *testing.T) {
	clientKP, err := identity.GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	initiator := NewInitiator(clientKP, 1)

	// handling a cookie before a hello has even been built is a protocol
	// violation, not a crash.
	_, err = initiator.HandleCookie([]byte(MagicCookie))
	require.Error(t, err)

	_, err = initiator.BuildHello()
	require.NoError(t, err)
	_, err = initiator.BuildHello()
	require.Error(t, err, "a second hello in the same attempt is a protocol error")
}
