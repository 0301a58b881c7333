// Package host implements the host registry: socket
// ownership, dispatch of inbound datagrams to the key-exchange engine or an
// existing channel by its receive tag, the peers-by-identity table, and
// service listener registration.
package host

import (
	"crypto/rand"
	"net"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/sssproto/sss/armor"
	"github.com/sssproto/sss/channel"
	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/identity"
	"github.com/sssproto/sss/internal/worker"
	"github.com/sssproto/sss/kex"
	"github.com/sssproto/sss/peer"
	"github.com/sssproto/sss/stream"
	"github.com/sssproto/sss/wirefmt"

	sss "github.com/sssproto/sss"
)

// Host owns both UDP sockets, the long-term identity, and every live peer
// and channel, dispatching inbound datagrams to the right destination.
type Host struct {
	worker.Worker

	log      *log.Logger
	settings sss.Settings
	identity *identity.Keypair
	eid      identity.EID

	sockets   []*udpSocket
	responder *kex.Responder

	mu           sync.Mutex
	tagPool      tagAllocator
	channels     map[tagKey]*stream.ChannelMux
	peersByEID   map[identity.EID]*peer.Peer
	dialRouters  []peer.RoutingClient

	listenersMu sync.Mutex
	listeners   map[string]*listener

	stopCh chan struct{}
}

type tagKey struct {
	sockID string
	tag    uint8
}

// Create bootstraps a Host: it loads or generates a long-term identity
// from settings.IdentityPath, then opens one IPv4 and one IPv6 socket on
// settings.Port (or an ephemeral port if that one is unavailable).
func Create(settings sss.Settings, routers ...peer.RoutingClient) (*Host, error) {
	kp, err := loadOrCreateIdentity(settings.IdentityPath)
	if err != nil {
		return nil, err
	}

	h := &Host{
		log:         log.Default().WithPrefix("host"),
		settings:    settings,
		identity:    kp,
		eid:         kp.Public,
		channels:    make(map[tagKey]*stream.ChannelMux),
		peersByEID:  make(map[identity.EID]*peer.Peer),
		listeners:   make(map[string]*listener),
		dialRouters: routers,
		stopCh:      make(chan struct{}),
	}

	v4, err := openSocketWithFallback("v4", "udp4", settings.Port)
	if err != nil {
		return nil, err
	}
	v6, err := openSocketWithFallback("v6", "udp6", settings.Port)
	if err != nil {
		v4.Close()
		return nil, err
	}
	h.sockets = []*udpSocket{v4, v6}

	responder, err := kex.NewResponder(kp, settings.CookieCacheSize, nil)
	if err != nil {
		return nil, err
	}
	h.responder = responder
	h.responder.Start()

	for _, sock := range h.sockets {
		sock := sock
		h.Go(func() { sock.recvLoop(h.stopCh, h.onPacket) })
	}

	return h, nil
}

func openSocketWithFallback(id, network string, port uint16) (*udpSocket, error) {
	sock, err := newUDPSocket(id, network, port)
	if err != nil {
		return newUDPSocket(id, network, 0)
	}
	return sock, nil
}

func loadOrCreateIdentity(path string) (*identity.Keypair, error) {
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			priv, err := identity.NewPrivateKeyFromBytes(b)
			if err != nil {
				return nil, errs.NewConfigError("host: load identity %s: %w", path, err)
			}
			return &identity.Keypair{Private: priv, Public: priv.Public()}, nil
		}
	}
	kp, err := identity.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, errs.NewConfigError("host: generate identity: %w", err)
	}
	if path != "" {
		if err := os.WriteFile(path, kp.Private.Bytes(), 0600); err != nil {
			return nil, errs.NewConfigError("host: persist identity %s: %w", path, err)
		}
	}
	return kp, nil
}

// Identity returns this host's public identity.
func (h *Host) Identity() identity.EID { return h.eid }

// Stop halts every socket's receive loop and every live channel.
func (h *Host) Stop() {
	close(h.stopCh)
	for _, sock := range h.sockets {
		sock.Close()
	}
	h.mu.Lock()
	chans := make([]*stream.ChannelMux, 0, len(h.channels))
	for _, c := range h.channels {
		chans = append(chans, c)
	}
	h.mu.Unlock()
	for _, c := range chans {
		c.Stop()
	}
	h.responder.Stop()
	h.Halt()
	h.Wait()
}

// allocTag picks an unused 8-bit receive tag for sock;
// zero is reserved.
func (h *Host) allocTag(sock *udpSocket) uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tagPool.alloc(func(t uint8) bool {
		_, used := h.channels[tagKey{sockID: sock.id, tag: t}]
		return used
	})
}

func (h *Host) registerChannel(sock *udpSocket, tag uint8, mux *stream.ChannelMux) {
	h.mu.Lock()
	h.channels[tagKey{sockID: sock.id, tag: tag}] = mux
	h.mu.Unlock()
}

func (h *Host) unregisterChannel(sock *udpSocket, tag uint8) {
	h.mu.Lock()
	delete(h.channels, tagKey{sockID: sock.id, tag: tag})
	h.mu.Unlock()
}

// peerFor returns (creating if necessary) the coordinator for remote.
func (h *Host) peerFor(remote identity.EID, seed ...net.Addr) *peer.Peer {
	h.mu.Lock()
	p, ok := h.peersByEID[remote]
	if !ok {
		sockets := make([]peer.Socket, len(h.sockets))
		for i, s := range h.sockets {
			sockets[i] = s
		}
		p = peer.New(peer.Config{
			Remote:     remote,
			LocalKeys:  h.identity,
			Sockets:    sockets,
			Routers:    h.dialRouters,
			NewMux:     h.newChannelMux,
			NewRecvTag: func() uint8 { return h.allocTag(h.sockets[0]) },
			OnConnected: func(mux *stream.ChannelMux) {
				h.onPeerConnected(remote, mux)
			},
			Log: h.log,
		}, seed...)
		h.peersByEID[remote] = p
	}
	h.mu.Unlock()
	return p
}

// newChannelMux satisfies peer.ChannelFactory: it builds the stream
// multiplexer for a freshly completed handshake and registers its tag so
// inbound datagrams find it.
func (h *Host) newChannelMux(sock peer.Socket, remote net.Addr, sk kex.SessionKeys, initiating bool, status func(channel.LinkStatus)) *stream.ChannelMux {
	us := sock.(*udpSocket)
	// armor.New cannot fail for SchemeBox.
	a, _ := armor.New(armor.SchemeBox, sk.TxKey, sk.RxKey)
	mux := stream.NewChannelMux(stream.MuxConfig{
		Socket:              us,
		Remote:              remote,
		Armor:               a,
		TxHalfID:            sk.TxHalfID,
		RxHalfID:            sk.RxHalfID,
		RecvTag:             sk.LocalRecvTag,
		SendTag:             sk.PeerChannelTag,
		Log:                 h.log,
		OnLinkStatusChanged: status,
	})
	h.registerChannel(us, sk.LocalRecvTag, mux)
	return mux
}

// onPeerConnected hands a newly connected primary channel's top-level
// substreams to listener dispatch.
func (h *Host) onPeerConnected(remote identity.EID, mux *stream.ChannelMux) {
	mux.Root().OnNewSubstream(func(s *stream.Stream) {
		h.dispatchIncoming(remote, s)
	})
}

func (h *Host) onPacket(sock *udpSocket, from net.Addr, data []byte) {
	if len(data) >= 8 {
		switch string(data[:8]) {
		case kex.MagicHello:
			h.handleHello(sock, from, data)
			return
		case kex.MagicCookie:
			h.handleCookie(sock, from, data)
			return
		case kex.MagicInitiate:
			h.handleInitiate(sock, from, data)
			return
		case kex.MagicMessage:
			h.handleMessage(sock, from, data)
			return
		}
	}

	hdr, err := wirefmt.DecodeHeader(data)
	if err != nil {
		return
	}
	h.mu.Lock()
	mux, ok := h.channels[tagKey{sockID: sock.id, tag: hdr.ChannelTag}]
	h.mu.Unlock()
	if !ok {
		return
	}
	mux.Channel().HandleDatagram(data)
}

func (h *Host) handleHello(sock *udpSocket, from net.Addr, data []byte) {
	cookie, err := h.responder.HandleHello(data)
	if err != nil {
		h.log.Debugf("hello rejected from %s: %v", from, err)
		return
	}
	sock.SendTo(from, cookie)
}

func (h *Host) handleInitiate(sock *udpSocket, from net.Addr, data []byte) {
	tag := h.allocTag(sock)
	sk, msg, err := h.responder.HandleInitiate(data, tag)
	if err != nil {
		h.log.Debugf("initiate rejected from %s: %v", from, err)
		return
	}
	sock.SendTo(from, msg)

	p := h.peerFor(sk.PeerEID)
	mux := h.newChannelMux(sock, from, sk, false, p.OnPrimaryStatus)
	mux.Start(false)
	h.onPeerConnected(sk.PeerEID, mux)
	p.ChannelStarted(mux)
}

func (h *Host) handleCookie(sock *udpSocket, from net.Addr, data []byte) {
	p := h.findDialingPeer(sock.id, from.String())
	if p == nil {
		return
	}
	p.HandleCookie(h.socketByID(sock.id), from, data)
}

func (h *Host) handleMessage(sock *udpSocket, from net.Addr, data []byte) {
	p := h.findDialingPeer(sock.id, from.String())
	if p == nil {
		return
	}
	p.HandleMessage(h.socketByID(sock.id), from, data)
}

func (h *Host) findDialingPeer(sockID, endpoint string) *peer.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peersByEID {
		if p.OwnsAttempt(sockID, endpoint) {
			return p
		}
	}
	return nil
}

func (h *Host) socketByID(id string) *udpSocket {
	for _, s := range h.sockets {
		if s.id == id {
			return s
		}
	}
	return nil
}

// ConnectTo begins connecting to remote, seeding its candidate locations
// with hint if given.
func (h *Host) ConnectTo(remote identity.EID, hint net.Addr) {
	var seed []net.Addr
	if hint != nil {
		seed = append(seed, hint)
	}
	p := h.peerFor(remote, seed...)
	p.ConnectChannel()
}

// PeerFor exposes the coordinator for remote so the server façade can open
// substreams against its primary channel once connected.
func (h *Host) PeerFor(remote identity.EID) *peer.Peer {
	return h.peerFor(remote)
}
