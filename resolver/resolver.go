package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"

	"github.com/treemana/godot/log"
	dot "github.com/treemana/godot/tls"
)

var ErrUnmatched = errors.New("unmatched request and response")

// Resolver forwards queries to one upstream server. Supported schemes are
// udp, tcp and tls; udp falls back to tcp on a truncated answer.
type Resolver struct {
	u       *url.URL
	dialer  proxy.ContextDialer // tcp and tls only
	config  *tls.Config
	timeout time.Duration
}

func NewResolver(u *url.URL, dialer proxy.ContextDialer, timeout time.Duration) (*Resolver, error) {
	var port string
	switch u.Scheme {
	case "udp", "tcp":
		port = "53"
	case "tls":
		port = "853"
	default:
		return nil, fmt.Errorf("unsupported resolver scheme %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("resolver %s without host", u)
	}

	if timeout <= 0 {
		return nil, fmt.Errorf("invalid resolver timeout=%s", timeout)
	}

	if u.Port() == "" {
		u = &url.URL{Scheme: u.Scheme, Host: net.JoinHostPort(u.Hostname(), port)}
	}

	if dialer == nil {
		dialer = &net.Dialer{}
	}

	return &Resolver{
		u:       u,
		dialer:  dialer,
		config:  dot.NewConfig(u.Hostname()),
		timeout: timeout,
	}, nil
}

func (r *Resolver) String() string {
	return r.u.String()
}

// Resolve sends req and returns the upstream answer with the same id.
func (r *Resolver) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, err := r.exchange(ctx, r.u.Scheme, req)
	if err != nil {
		return nil, err
	}

	if resp.Truncated && r.u.Scheme == "udp" {
		log.Sugar.Debugf("%s truncated [%s], retry over tcp", r.u, req.Question[0].String())
		return r.exchange(ctx, "tcp", req)
	}

	return resp, nil
}

func (r *Resolver) exchange(ctx context.Context, network string, req *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, _, err := r.connect(ctx, network)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var dnsConn = dns.Conn{Conn: conn, UDPSize: dns.MaxMsgSize}
	start := time.Now()
	if err = dnsConn.WriteMsg(req); err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", r.u, err)
	}

	var resp *dns.Msg
	if resp, err = dnsConn.ReadMsg(); err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", r.u, err)
	}

	if req.Id != resp.Id {
		return nil, fmt.Errorf("%s: %w", r.u, ErrUnmatched)
	}

	log.Sugar.Debugf("%s %s response success, cost %s", r.u, network, time.Since(start))

	return resp, nil
}

// connect opens a connection to the upstream.
// return conn, elapse, error
func (r *Resolver) connect(ctx context.Context, network string) (net.Conn, time.Duration, error) {
	if network == "tls" {
		return dot.NewConn(ctx, r.dialer, r.u.Host, r.config)
	}

	start := time.Now()
	var (
		conn net.Conn
		err  error
	)
	if network == "udp" {
		// proxies only carry streams
		conn, err = (&net.Dialer{}).DialContext(ctx, network, r.u.Host)
	} else {
		conn, err = r.dialer.DialContext(ctx, network, r.u.Host)
	}
	if err != nil {
		return nil, math.MaxInt64, fmt.Errorf("dial %s: %w", r.u, err)
	}
	return conn, time.Since(start), nil
}
