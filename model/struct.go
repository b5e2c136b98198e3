package model

import (
	"net"
	"time"

	"github.com/treemana/godot/dnswire"
)

type Protocol uint8

const (
	ProtocolUDP Protocol = iota + 1
	ProtocolTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Origin tells the resolver where the answer goes. It is either a UDPOrigin
// or a TCPOrigin.
type Origin interface {
	String() string
	origin()
}

// UDPOrigin is the client's return address and the socket to answer from.
type UDPOrigin struct {
	Conn net.PacketConn
	Addr net.Addr
}

// TCPOrigin is the client connection, owned by whoever holds the query.
type TCPOrigin struct {
	Conn net.Conn
}

func (UDPOrigin) origin() {}
func (TCPOrigin) origin() {}

func (o UDPOrigin) String() string { return o.Addr.String() }
func (o TCPOrigin) String() string { return o.Conn.RemoteAddr().String() }

// ClientQuery is a cache miss on its way to the resolver. The listener that
// built it keeps no reference once it is queued.
type ClientQuery struct {
	Proto      Protocol
	Origin     Origin
	Question   dnswire.NormalizedQuestion
	ReceivedAt time.Time
}
