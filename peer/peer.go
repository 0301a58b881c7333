// Package peer implements the peer coordinator: for one
// remote identity, it tracks candidate endpoints, drives concurrent key
// exchange attempts across every local socket, and promotes the first
// channel to come up as the primary, re-running discovery and retry on
// stall or loss.
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sssproto/sss/channel"
	"github.com/sssproto/sss/identity"
	"github.com/sssproto/sss/internal/worker"
	"github.com/sssproto/sss/kex"
	"github.com/sssproto/sss/stream"
	"github.com/sssproto/sss/timer"
)

// StallWarningsMax is how many consecutive stall notifications the
// coordinator tolerates on its primary channel before forcing a fresh
// connect_channel() pass.
const StallWarningsMax = 3

// ReconnectPeriod is how often the coordinator retries discovery/KEX while
// it has no up primary.
const ReconnectPeriod = 1 * time.Minute

// Socket is the local send/receive endpoint a coordinator can initiate a
// channel from; Host owns the set of these.
type Socket interface {
	channel.Socket
	ID() string
}

// RoutingClient resolves a remote identity to candidate endpoints,
// optionally performing hole-punching; out of scope for this module, which
// only consumes the callback.
type RoutingClient interface {
	Lookup(remote identity.EID, found func(net.Addr))
}

type kexKey struct {
	socket   string
	endpoint string
}

// pendingKex tracks one in-flight initiator attempt, so cancelEarlyAttemptsLocked can
// tell an early attempt (still building trust) from a late one worth
// letting finish.
type pendingKex struct {
	initiator    *kex.Initiator
	helloBytes   []byte
	sentInitiate bool
	retry        timer.Cancelable
	retryDelay   time.Duration
}

// ChannelFactory builds the stream multiplexer for a channel that has
// completed key exchange, wiring its link-status callback to status.
type ChannelFactory func(sock Socket, remote net.Addr, sk kex.SessionKeys, initiating bool, status func(channel.LinkStatus)) *stream.ChannelMux

// Peer is the coordinator for one remote identity.
type Peer struct {
	worker.Worker

	log *log.Logger

	remote     identity.EID
	localKeys  *identity.Keypair
	sockets    []Socket
	routers    []RoutingClient
	engine     timer.Engine
	newMux     ChannelFactory
	newRecvTag func() uint8

	onConnected func(*stream.ChannelMux)

	mu            sync.Mutex
	locations     map[string]net.Addr
	keExchanges   map[kexKey]*pendingKex
	primary       *stream.ChannelMux
	primaryStatus channel.LinkStatus
	stallWarnings int
	reconnectTmr  timer.Cancelable
}

// Config bundles the collaborators a Peer needs at construction.
type Config struct {
	Remote      identity.EID
	LocalKeys   *identity.Keypair
	Sockets     []Socket
	Routers     []RoutingClient
	Engine      timer.Engine
	NewMux      ChannelFactory
	NewRecvTag  func() uint8
	OnConnected func(*stream.ChannelMux)
	Log         *log.Logger
}

// New constructs a Peer coordinator for remote, seeded with any endpoints
// already known (e.g. decoded from the identity itself, or observed on a
// received packet).
func New(cfg Config, seedLocations ...net.Addr) *Peer {
	if cfg.Engine == nil {
		cfg.Engine = timer.Default
	}
	lg := cfg.Log
	if lg == nil {
		lg = log.Default()
	}
	p := &Peer{
		log:         lg.WithPrefix("peer").With("remote", cfg.Remote.String()),
		remote:      cfg.Remote,
		localKeys:   cfg.LocalKeys,
		sockets:     cfg.Sockets,
		routers:     cfg.Routers,
		engine:      cfg.Engine,
		newMux:      cfg.NewMux,
		newRecvTag:  cfg.NewRecvTag,
		onConnected: cfg.OnConnected,
		locations:   make(map[string]net.Addr),
		keExchanges: make(map[kexKey]*pendingKex),
	}
	for _, a := range seedLocations {
		p.locations[a.String()] = a
	}
	return p
}

// AddLocation records a candidate endpoint learned from routing or from a
// received packet's source address.
func (p *Peer) AddLocation(addr net.Addr) {
	p.mu.Lock()
	p.locations[addr.String()] = addr
	p.mu.Unlock()
}

// ConnectChannel runs the four-step connect_channel() procedure.
func (p *Peer) ConnectChannel() {
	p.mu.Lock()
	if p.primary != nil && p.primaryStatus == channel.LinkUp {
		p.mu.Unlock()
		return
	}
	locations := make([]net.Addr, 0, len(p.locations))
	for _, a := range p.locations {
		locations = append(locations, a)
	}
	p.mu.Unlock()

	for _, r := range p.routers {
		r.Lookup(p.remote, p.onLookupFound)
	}

	for _, sock := range p.sockets {
		for _, loc := range locations {
			p.beginKex(sock, loc)
		}
	}

	p.armReconnect()
}

func (p *Peer) onLookupFound(addr net.Addr) {
	p.AddLocation(addr)
	for _, sock := range p.sockets {
		p.beginKex(sock, addr)
	}
}

func (p *Peer) beginKex(sock Socket, endpoint net.Addr) {
	key := kexKey{socket: sock.ID(), endpoint: endpoint.String()}

	p.mu.Lock()
	if _, ok := p.keExchanges[key]; ok {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var tag uint8
	if p.newRecvTag != nil {
		tag = p.newRecvTag()
	}
	in := kex.NewInitiator(p.localKeys, tag)
	hello, err := in.BuildHello()
	if err != nil {
		p.log.Warnf("kex hello build failed for %s: %v", endpoint, err)
		return
	}
	pk := &pendingKex{initiator: in, helloBytes: hello, retryDelay: kexRetryMin}

	p.mu.Lock()
	p.keExchanges[key] = pk
	p.mu.Unlock()

	if err := sock.SendTo(endpoint, hello); err != nil {
		p.log.Warnf("kex hello send failed for %s: %v", endpoint, err)
	}
	pk.retry = p.engine.AfterFunc(pk.retryDelay, func() { p.retryHello(sock, endpoint, key) })
}

const (
	kexRetryMin = 500 * time.Millisecond
	kexRetryMax = 30 * time.Second
)

func (p *Peer) retryHello(sock Socket, endpoint net.Addr, key kexKey) {
	p.mu.Lock()
	pk, ok := p.keExchanges[key]
	if !ok || pk.sentInitiate {
		p.mu.Unlock()
		return
	}
	pk.retryDelay *= 2
	if pk.retryDelay > kexRetryMax {
		pk.retryDelay = kexRetryMax
	}
	p.mu.Unlock()

	sock.SendTo(endpoint, pk.helloBytes)
	pk.retry = p.engine.AfterFunc(pk.retryDelay, func() { p.retryHello(sock, endpoint, key) })
}

func (p *Peer) armReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reconnectTmr != nil {
		p.reconnectTmr.Stop()
	}
	p.reconnectTmr = p.engine.AfterFunc(ReconnectPeriod, p.ConnectChannel)
}

// ChannelStarted adopts channel as the primary if there is none, or the
// current one is not up.
func (p *Peer) ChannelStarted(mux *stream.ChannelMux) {
	p.mu.Lock()
	adopt := p.primary == nil || p.primaryStatus != channel.LinkUp
	if adopt {
		p.primary = mux
		p.primaryStatus = mux.Channel().Status()
		p.stallWarnings = 0
	}
	p.mu.Unlock()

	if adopt {
		p.log.Infof("adopted primary channel")
		if p.onConnected != nil {
			p.onConnected(mux)
		}
	}
}

// OnPrimaryStatus should be wired as the primary channel's link-status
// callback; it implements the three status-change reactions (up, stalled,
// down) the coordinator takes on its primary channel.
func (p *Peer) OnPrimaryStatus(status channel.LinkStatus) {
	p.mu.Lock()
	p.primaryStatus = status
	switch status {
	case channel.LinkUp:
		p.cancelEarlyAttemptsLocked()
		p.stallWarnings = 0
	case channel.LinkStalled:
		p.stallWarnings++
		if p.stallWarnings >= StallWarningsMax {
			p.stallWarnings = 0
			p.mu.Unlock()
			p.ConnectChannel()
			return
		}
	case channel.LinkDown:
		p.primary = nil
	}
	p.mu.Unlock()

	if status == channel.LinkDown {
		p.ConnectChannel()
	}
}

// cancelEarlyAttemptsLocked drops every still-early KEX initiator (one that
// has not yet sent Initiate) once the primary comes up, but leaves late
// ones running to completion since their responder may already hold state.
func (p *Peer) cancelEarlyAttemptsLocked() {
	for key, pk := range p.keExchanges {
		if pk.sentInitiate {
			continue
		}
		if pk.retry != nil {
			pk.retry.Stop()
		}
		delete(p.keExchanges, key)
	}
}

// HandleCookie advances the pending initiator for (sock, endpoint) from
// hello to initiate on receipt of a Cookie message, sending the resulting
// Initiate datagram itself.
func (p *Peer) HandleCookie(sock Socket, endpoint net.Addr, raw []byte) {
	key := kexKey{socket: sock.ID(), endpoint: endpoint.String()}
	p.mu.Lock()
	pk, ok := p.keExchanges[key]
	p.mu.Unlock()
	if !ok {
		return
	}

	initiate, err := pk.initiator.HandleCookie(raw)
	if err != nil {
		p.log.Debugf("kex cookie rejected from %s: %v", endpoint, err)
		return
	}
	p.mu.Lock()
	pk.sentInitiate = true
	if pk.retry != nil {
		pk.retry.Stop()
	}
	p.mu.Unlock()

	sock.SendTo(endpoint, initiate)
}

// HandleMessage completes the pending initiator for (sock, endpoint) on
// receipt of the responder's Message, materializing the channel multiplexer
// and feeding it into ChannelStarted.
func (p *Peer) HandleMessage(sock Socket, endpoint net.Addr, raw []byte) {
	key := kexKey{socket: sock.ID(), endpoint: endpoint.String()}
	p.mu.Lock()
	pk, ok := p.keExchanges[key]
	p.mu.Unlock()
	if !ok {
		return
	}

	sk, err := pk.initiator.HandleMessage(raw)
	if err != nil {
		p.log.Debugf("kex message rejected from %s: %v", endpoint, err)
		return
	}

	p.mu.Lock()
	delete(p.keExchanges, key)
	p.mu.Unlock()

	if p.newMux == nil {
		return
	}
	mux := p.newMux(sock, endpoint, sk, true, p.OnPrimaryStatus)
	mux.Start(true)
	p.ChannelStarted(mux)
}

// OwnsAttempt reports whether this coordinator has an in-flight KEX
// initiator for (sockID, endpoint), letting the host route an inbound
// Cookie/Message datagram to the right peer without yet knowing the
// remote identity.
func (p *Peer) OwnsAttempt(sockID, endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.keExchanges[kexKey{socket: sockID, endpoint: endpoint}]
	return ok
}

// Primary returns the current primary channel multiplexer, or nil.
func (p *Peer) Primary() *stream.ChannelMux {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary
}

