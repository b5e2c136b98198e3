// Package socket binds listening endpoints that several workers can share:
// every call returns an independent socket on the same address, with address
// and port reuse enabled and enlarged kernel buffers.
package socket

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// network picks the address family from the literal in addr, falling back to
// dual stack for host names and empty hosts.
func network(proto, addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return proto
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return proto
	}
	if ip.Unmap().Is4() {
		return proto + "4"
	}
	return proto + "6"
}

// ListenUDP binds a datagram socket on addr. bufferSize sets the send and
// receive buffers when positive.
func ListenUDP(ctx context.Context, addr string, bufferSize int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: control(bufferSize)}
	pc, err := lc.ListenPacket(ctx, network("udp", addr), addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

// ListenTCP binds a stream listener on addr with the same socket options.
func ListenTCP(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: control(0)}
	l, err := lc.Listen(ctx, network("tcp", addr), addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return l, nil
}
