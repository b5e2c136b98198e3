package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"time"

	"golang.org/x/net/proxy"
)

// NewConfig is the client config for a DoT upstream, sessions are resumed
// across connections.
func NewConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}
}

// NewConn dials address through dialer and completes the handshake before
// ctx expires.
// return conn, elapse, error
func NewConn(ctx context.Context, dialer proxy.ContextDialer, address string, config *tls.Config) (*tls.Conn, time.Duration, error) {

	ept := time.Now() // entry point time

	// dial
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, math.MaxInt64, fmt.Errorf("dial %s: %w, elapse %s", address, err, time.Since(ept))
	}

	// handshake
	conn := tls.Client(rawConn, config)
	start := time.Now()
	if err = conn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, math.MaxInt64, fmt.Errorf("handshake %s: %w, elapse %s", address, err, time.Since(start))
	}

	return conn, time.Since(ept), nil
}
