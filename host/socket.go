package host

import (
	"net"

	"github.com/charmbracelet/log"
)

// udpSocket is the concrete channel.Socket/peer.Socket implementation
// backing one of the host's two listening sockets.
type udpSocket struct {
	id   string
	conn *net.UDPConn
	log  *log.Logger
}

func newUDPSocket(id string, network string, port uint16) (*udpSocket, error) {
	addr := &net.UDPAddr{Port: int(port)}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, err
	}
	return &udpSocket{id: id, conn: conn}, nil
}

func (s *udpSocket) ID() string { return s.id }

func (s *udpSocket) SendTo(remote net.Addr, data []byte) error {
	_, err := s.conn.WriteTo(data, remote)
	return err
}

func (s *udpSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// recvLoop reads datagrams until stopped, handing each to onPacket.
func (s *udpSocket) recvLoop(stop <-chan struct{}, onPacket func(sock *udpSocket, from net.Addr, data []byte)) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		onPacket(s, from, pkt)
	}
}

func (s *udpSocket) Close() error { return s.conn.Close() }
