package util

import (
	"math"
	"net"

	"github.com/miekg/dns"
)

const (
	IPV4MaskBitsMax     = net.IPv4len * 8
	IPV4MaskBitsDefault = 24 // RFC 7871 Section 11.1
	IPV6MaskBitsMax     = net.IPv6len * 8
	IPV6MaskBitsDefault = 56 // RFC 7871 Section 11.1
)

func maskBits(bits, def, max uint8) uint8 {
	switch {
	case bits == 0:
		return def
	case bits > max:
		return max
	default:
		return bits
	}
}

// DNSNewSubnetFromIP builds the client subnet option for ip, zero maskBits
// selects the RFC 7871 default of the family.
func DNSNewSubnetFromIP(ip net.IP, bits uint8) *dns.EDNS0_SUBNET {

	if len(ip) == 0 {
		return nil
	}

	// A Stub Resolver MUST set SCOPE PREFIX-LENGTH to 0. See RFC 7871 Section 6.
	if ip4 := ip.To4(); ip4 != nil {
		return &dns.EDNS0_SUBNET{
			Code:          dns.EDNS0SUBNET,
			Family:        1,
			SourceNetmask: maskBits(bits, IPV4MaskBitsDefault, IPV4MaskBitsMax),
			Address:       ip4,
		}
	}

	return &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        2,
		SourceNetmask: maskBits(bits, IPV6MaskBitsDefault, IPV6MaskBitsMax),
		Address:       ip.To16(),
	}
}

// DNSNewFailure returns a SERVFAIL reply to source
func DNSNewFailure(source *dns.Msg) *dns.Msg {
	if source == nil {
		return nil
	}

	var target = new(dns.Msg)
	target.SetRcode(source, dns.RcodeServerFailure)
	target.RecursionAvailable = true

	return target
}

// subnetIndex returns the OPT record of m and the position of its client
// subnet option, -1 when there is none.
func subnetIndex(m *dns.Msg) (*dns.OPT, int) {
	if m == nil {
		return nil, -1
	}

	opt := m.IsEdns0()
	if opt == nil {
		return nil, -1
	}

	for i, edns0 := range opt.Option {
		if edns0.Option() == dns.EDNS0SUBNET {
			return opt, i
		}
	}
	return opt, -1
}

// DNSSetSUBNET adds the client subnet option to m, creating the OPT record
// when needed. m keeps its own subnet when it has one.
func DNSSetSUBNET(m *dns.Msg, subnet *dns.EDNS0_SUBNET) {

	if m == nil || subnet == nil {
		return
	}

	opt, i := subnetIndex(m)
	switch {
	case i >= 0:
		return
	case opt == nil:
		opt = &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		opt.SetUDPSize(dns.DefaultMsgSize)
		m.Extra = append(m.Extra, opt)
	}

	opt.Option = append(opt.Option, subnet)
}

// DNSSubnetRemove drops the client subnet option from m
func DNSSubnetRemove(m *dns.Msg) {
	opt, i := subnetIndex(m)
	if i < 0 {
		return
	}

	options := make([]dns.EDNS0, 0, len(opt.Option)-1)
	options = append(options, opt.Option[:i]...)
	opt.Option = append(options, opt.Option[i+1:]...)
}

func DNSSubnetExist(m *dns.Msg) bool {
	_, i := subnetIndex(m)
	return i >= 0
}

// DNSMinTTL returns the smallest TTL of the records in m, OPT excluded.
// A negative answer is bounded by its SOA minimum, RFC 2308 Section 5.
// ok is false when m carries no record at all.
func DNSMinTTL(m *dns.Msg) (ttl uint32, ok bool) {

	if m == nil {
		return 0, false
	}

	ttl = math.MaxUint32
	for _, section := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			h := rr.Header()
			if h.Rrtype == dns.TypeOPT {
				continue
			}
			ok = true
			if h.Ttl < ttl {
				ttl = h.Ttl
			}
			if soa, isSOA := rr.(*dns.SOA); isSOA && len(m.Answer) == 0 && soa.Minttl < ttl {
				ttl = soa.Minttl
			}
		}
	}

	if !ok {
		return 0, false
	}
	return ttl, true
}
