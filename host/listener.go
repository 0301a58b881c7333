package host

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/sssproto/sss/identity"
	"github.com/sssproto/sss/stream"
)

// serviceHandshake is the first record written on every top-level stream
// before any application data, letting the accepting host route it to the
// right listener without the stream or channel layers knowing about
// services at all.
type serviceHandshake struct {
	Service  string `cbor:"svc"`
	Protocol string `cbor:"proto"`
}

func encodeServiceHandshake(service, protocol string) ([]byte, error) {
	return cbor.Marshal(serviceHandshake{Service: service, Protocol: protocol})
}

// EncodeServiceHandshake builds the first-record payload a connecting
// stream must write so the accepting host can route it to the right
// Listener.
func EncodeServiceHandshake(service, protocol string) ([]byte, error) {
	return encodeServiceHandshake(service, protocol)
}

func decodeServiceHandshake(b []byte) (serviceHandshake, error) {
	var h serviceHandshake
	err := cbor.Unmarshal(b, &h)
	return h, err
}

// serviceHandshakeTimeout bounds how long dispatchIncoming waits for the
// first record before giving up on a substream.
const serviceHandshakeTimeout = 10 * time.Second

// Listener is the handle returned by Host.Listen: a queue of top-level
// streams whose first record declared this listener's service name.
type Listener struct {
	Service      string
	ServiceDesc  string
	Protocol     string
	ProtocolDesc string

	incoming chan *stream.Stream
}

// Accept dequeues the next incoming stream for this listener, or returns
// false after timeout.
func (l *Listener) Accept(timeout time.Duration) (*stream.Stream, bool) {
	select {
	case s := <-l.incoming:
		return s, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Listen registers a listener for service; registering the same service twice returns false.
func (h *Host) Listen(service, serviceDesc, protocol, protocolDesc string) (*Listener, bool) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	if _, exists := h.listeners[service]; exists {
		return nil, false
	}
	l := &listener{
		Listener: Listener{
			Service:      service,
			ServiceDesc:  serviceDesc,
			Protocol:     protocol,
			ProtocolDesc: protocolDesc,
			incoming:     make(chan *stream.Stream, 64),
		},
	}
	h.listeners[service] = l
	return &l.Listener, true
}

type listener struct {
	Listener
}

// dispatchIncoming reads the service handshake off a freshly opened
// top-level substream and routes it to the matching listener, or resets it
// if no listener claims it.
func (h *Host) dispatchIncoming(remote identity.EID, s *stream.Stream) {
	go func() {
		s.WaitReadable(serviceHandshakeTimeout)
		rec, ok := s.ReadRecord(4096)
		if !ok {
			s.Shutdown(stream.ShutdownReset)
			return
		}
		hs, err := decodeServiceHandshake(rec)
		if err != nil {
			s.Shutdown(stream.ShutdownReset)
			return
		}

		h.listenersMu.Lock()
		l, ok := h.listeners[hs.Service]
		h.listenersMu.Unlock()
		if !ok {
			s.Shutdown(stream.ShutdownReset)
			return
		}

		select {
		case l.incoming <- s:
		default:
			s.Shutdown(stream.ShutdownReset)
		}
	}()
}
