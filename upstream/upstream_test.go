package upstream

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treemana/godot/cache"
	"github.com/treemana/godot/dnswire"
	"github.com/treemana/godot/model"
	"github.com/treemana/godot/stats"
	"github.com/treemana/godot/util"
)

type fakeResolver struct {
	delay   time.Duration
	rcode   int
	answers int
	ttl     uint32
	err     error

	calls atomic.Int32
	last  atomic.Pointer[dns.Msg]
}

func (f *fakeResolver) String() string { return "fake" }

// Resolve answers like a real server and echoes the request OPT, subnet
// included.
func (f *fakeResolver) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	f.calls.Add(1)
	f.last.Store(req)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}

	resp := new(dns.Msg)
	resp.SetRcode(req, f.rcode)
	resp.Extra = nil
	if opt := req.IsEdns0(); opt != nil {
		resp.Extra = append(resp.Extra, dns.Copy(opt))
	}
	name := req.Question[0].Name
	for i := 0; i < f.answers; i++ {
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: f.ttl},
			A:   net.IPv4(192, 0, 2, byte(i)),
		})
	}
	return resp, nil
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newUpStream(t *testing.T, queries <-chan model.ClientQuery, resolvers ...Resolver) *UpStream {
	t.Helper()
	subnets := []*dns.EDNS0_SUBNET{util.DNSNewSubnetFromIP(net.ParseIP("198.51.100.7"), 24)}
	s, err := New(Config{Workers: 2, Timeout: time.Second, MinTTL: time.Minute, MaxTTL: time.Hour},
		resolvers, subnets, cache.New(), stats.New(), queries)
	require.NoError(t, err)
	s.now = func() time.Time { return epoch }
	t.Cleanup(s.cancel)
	return s
}

func question(t *testing.T, name string, id uint16, edns bool) dnswire.NormalizedQuestion {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.Id = id
	if edns {
		m.SetEdns0(4096, true)
	}
	packet, err := m.Pack()
	require.NoError(t, err)
	q, err := dnswire.Normalize(packet, true)
	require.NoError(t, err)
	return q
}

// udpClient returns the origin of a query sent from a fresh client socket
// and a function reading the reply on that socket.
func udpClient(t *testing.T) (model.UDPOrigin, func() *dns.Msg) {
	t.Helper()
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	read := func() *dns.Msg {
		buf := make([]byte, dns.MaxMsgSize)
		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := client.ReadFrom(buf)
		require.NoError(t, err)
		m := new(dns.Msg)
		require.NoError(t, m.Unpack(buf[:n]))
		return m
	}
	return model.UDPOrigin{Conn: server, Addr: client.LocalAddr()}, read
}

func TestHandleCachesAndReplies(t *testing.T) {
	r := &fakeResolver{rcode: dns.RcodeSuccess, answers: 1, ttl: 300}
	s := newUpStream(t, nil, r)
	origin, read := udpClient(t)

	q := question(t, "WwW.Example.COM.", 0x4242, true)
	s.handle(model.ClientQuery{Proto: model.ProtocolUDP, Origin: origin, Question: q, ReceivedAt: epoch})

	got := read()
	assert.Equal(t, uint16(0x4242), got.Id)
	assert.Equal(t, "WwW.Example.COM.", got.Question[0].Name)
	assert.Equal(t, dns.RcodeSuccess, got.Rcode)
	require.Len(t, got.Answer, 1)
	assert.False(t, util.DNSSubnetExist(got))

	req := r.last.Load()
	require.NotNil(t, req)
	assert.Equal(t, "www.example.com.", req.Question[0].Name)
	assert.True(t, req.RecursionDesired)
	require.NotNil(t, req.IsEdns0())
	assert.True(t, req.IsEdns0().Do())
	assert.True(t, util.DNSSubnetExist(req))

	e, ok := s.cache.Lookup(q.Key())
	require.True(t, ok)
	assert.Equal(t, epoch.Add(300*time.Second), e.ExpiresAt)
	assert.Equal(t, uint16(0), dnswire.TID(e.Packet))
	assert.Equal(t, uint64(1), s.stats.CacheInserts.Get())

	cached := new(dns.Msg)
	require.NoError(t, cached.Unpack(e.Packet))
	assert.Equal(t, "www.example.com.", cached.Question[0].Name)
	assert.False(t, util.DNSSubnetExist(cached))
}

func TestTTL(t *testing.T) {
	s := newUpStream(t, nil, &fakeResolver{})
	rr := func(ttl uint32) []dns.RR {
		return []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "a.example.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl}, A: net.IPv4(192, 0, 2, 1)}}
	}

	tests := []struct {
		name string
		msg  *dns.Msg
		want time.Duration
	}{
		{"below min", &dns.Msg{Answer: rr(10)}, time.Minute},
		{"in range", &dns.Msg{Answer: rr(300)}, 300 * time.Second},
		{"above max", &dns.Msg{Answer: rr(86400)}, time.Hour},
		{"no records", new(dns.Msg), time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.ttl(tt.msg))
		})
	}
}

func TestRace(t *testing.T) {
	tests := []struct {
		name      string
		resolvers []*fakeResolver
		want      int
	}{
		{"servfail only used as fallback", []*fakeResolver{
			{rcode: dns.RcodeServerFailure},
			{rcode: dns.RcodeSuccess, answers: 1, ttl: 60, delay: 50 * time.Millisecond},
		}, dns.RcodeSuccess},
		{"fast nxdomain wins", []*fakeResolver{
			{rcode: dns.RcodeNameError},
			{rcode: dns.RcodeSuccess, answers: 1, ttl: 60, delay: 200 * time.Millisecond},
		}, dns.RcodeNameError},
		{"refused when nothing better", []*fakeResolver{
			{rcode: dns.RcodeRefused},
			{err: errors.New("unreachable")},
		}, dns.RcodeRefused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolvers := make([]Resolver, 0, len(tt.resolvers))
			for _, r := range tt.resolvers {
				resolvers = append(resolvers, r)
			}
			s := newUpStream(t, nil, resolvers...)

			req := new(dns.Msg)
			req.SetQuestion("example.com.", dns.TypeA)
			got := s.race(req)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Rcode)
			for _, r := range tt.resolvers {
				assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
			}
		})
	}
}

func TestHandleFailure(t *testing.T) {
	s := newUpStream(t, nil, &fakeResolver{err: errors.New("unreachable")}, &fakeResolver{delay: time.Hour})
	s.config.Timeout = 100 * time.Millisecond
	origin, read := udpClient(t)

	q := question(t, "Example.com.", 9, false)
	s.handle(model.ClientQuery{Proto: model.ProtocolUDP, Origin: origin, Question: q, ReceivedAt: epoch})

	got := read()
	assert.Equal(t, uint16(9), got.Id)
	assert.Equal(t, dns.RcodeServerFailure, got.Rcode)
	assert.Equal(t, "Example.com.", got.Question[0].Name)
	assert.Equal(t, uint64(1), s.stats.UpstreamErrors.Get())

	_, ok := s.cache.Lookup(q.Key())
	assert.False(t, ok)
	assert.Equal(t, uint64(0), s.stats.CacheInserts.Get())
}

func TestHandleLargeAnswer(t *testing.T) {
	s := newUpStream(t, nil, &fakeResolver{rcode: dns.RcodeSuccess, answers: 40, ttl: 300})

	// a plain datagram client gets the truncation bit
	origin, read := udpClient(t)
	q := question(t, "example.com.", 1, false)
	s.handle(model.ClientQuery{Proto: model.ProtocolUDP, Origin: origin, Question: q, ReceivedAt: epoch})
	got := read()
	assert.True(t, got.Truncated)
	assert.Empty(t, got.Answer)

	e, ok := s.cache.Lookup(q.Key())
	require.True(t, ok)
	assert.Greater(t, len(e.Packet), 512)

	// a stream client gets everything
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	q = question(t, "EXAMPLE.com.", 2, false)
	go s.handle(model.ClientQuery{Proto: model.ProtocolTCP, Origin: model.TCPOrigin{Conn: server}, Question: q, ReceivedAt: epoch})

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	got, err := (&dns.Conn{Conn: client}).ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), got.Id)
	assert.Equal(t, "EXAMPLE.com.", got.Question[0].Name)
	assert.False(t, got.Truncated)
	assert.Len(t, got.Answer, 40)
}

func TestStartStop(t *testing.T) {
	queries := make(chan model.ClientQuery, 4)
	s := newUpStream(t, queries, &fakeResolver{rcode: dns.RcodeSuccess, answers: 1, ttl: 300})
	origin, read := udpClient(t)

	s.Start()
	queries <- model.ClientQuery{Proto: model.ProtocolUDP, Origin: origin, Question: question(t, "example.com.", 3, false), ReceivedAt: epoch}
	got := read()
	assert.Equal(t, uint16(3), got.Id)

	close(queries)
	s.Stop()
	assert.Equal(t, 1, s.cache.Len())
}

func TestNewInvalidConfig(t *testing.T) {
	r := []Resolver{&fakeResolver{}}
	tests := []struct {
		name      string
		config    Config
		resolvers []Resolver
	}{
		{"no resolvers", Config{Workers: 1, Timeout: time.Second}, nil},
		{"no workers", Config{Timeout: time.Second}, r},
		{"no timeout", Config{Workers: 1}, r},
		{"ttl range", Config{Workers: 1, Timeout: time.Second, MinTTL: time.Hour, MaxTTL: time.Minute}, r},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, tt.resolvers, nil, cache.New(), stats.New(), nil)
			assert.Error(t, err)
		})
	}
}
