// Package server exposes a narrow stream-producing façade: host creation,
// service listen/accept, and stream::connect_to.
// Everything else (writing, reading, substreams, priority, shutdown) is
// just the *stream.Stream API the host already hands back.
package server

import (
	"net"
	"time"

	"github.com/sssproto/sss/channel"
	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/host"
	"github.com/sssproto/sss/identity"
	"github.com/sssproto/sss/stream"

	sss "github.com/sssproto/sss"
)

// Server is the application-facing handle onto one host.
type Server struct {
	h *host.Host
}

// Create bootstraps a host from settings and returns the façade.
func Create(settings sss.Settings) (*Server, error) {
	h, err := host.Create(settings)
	if err != nil {
		return nil, err
	}
	return &Server{h: h}, nil
}

// Close tears down every socket, channel, and peer owned by this server.
func (s *Server) Close() { s.h.Stop() }

// Identity returns this host's public identity.
func (s *Server) Identity() identity.EID { return s.h.Identity() }

// Listen registers a listener for service; duplicates return false.
func (s *Server) Listen(service, serviceDesc, protocol, protocolDesc string) (*host.Listener, bool) {
	return s.h.Listen(service, serviceDesc, protocol, protocolDesc)
}

// ConnectTo begins connecting to remote and, once the primary channel
// comes up, opens one top-level stream declaring service/protocol via the
// handshake record expected by the peer's listener. locationHint, if
// non-nil, seeds the peer's candidate endpoint set so KEX can start
// immediately instead of waiting on discovery.
func (s *Server) ConnectTo(remote identity.EID, service, protocol string, locationHint net.Addr, timeout time.Duration) (*stream.Stream, error) {
	s.h.ConnectTo(remote, locationHint)

	p := s.h.PeerFor(remote)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mux := p.Primary(); mux != nil && mux.Channel().Status() == channel.LinkUp {
			st, err := mux.Root().OpenSubstream(0)
			if err != nil {
				return nil, err
			}
			hs, err := host.EncodeServiceHandshake(service, protocol)
			if err != nil {
				return nil, err
			}
			if _, err := st.WriteRecord(hs); err != nil {
				return nil, err
			}
			return st, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, errs.NewConnectionError("sss: connect_to %s timed out after %s: %w", remote, timeout, errs.ErrNoRoute)
}

