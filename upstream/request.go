package upstream

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/godot/dnswire"
	"github.com/treemana/godot/log"
	"github.com/treemana/godot/model"
	"github.com/treemana/godot/util"
)

const ednsPayloadSize = 4096

func (s *UpStream) request(id int) {
	for cq := range s.queries {
		s.handle(cq)
	}
	log.Logger.Debug("upstream worker done", log.Worker(id))
}

func (s *UpStream) handle(cq model.ClientQuery) {
	q := cq.Question

	req := new(dns.Msg)
	req.SetQuestion(q.CanonicalFQDN(), q.QType)
	req.Question[0].Qclass = q.QClass
	req.SetEdns0(ednsPayloadSize, q.DnssecOK)
	s.setSubnet(req, originIP(cq.Origin))

	resp := s.race(req)
	if resp == nil {
		s.stats.UpstreamErrors.Inc()
		log.Sugar.Warnf("%s [%s] no upstream answer", cq.Origin, q.String())
		resp = util.DNSNewFailure(req)
	}

	packet, err := s.store(q, req, resp)
	if err != nil {
		s.stats.UpstreamErrors.Inc()
		log.Sugar.Errorf("%s [%s] pack error=[%+v]", cq.Origin, q.String(), err)
		return
	}

	s.reply(cq, packet)
}

// race asks every resolver at once. The first NOERROR or NXDOMAIN answer
// wins, any other answer is only used when nothing better arrives.
func (s *UpStream) race(req *dns.Msg) *dns.Msg {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	var results = make(chan *dns.Msg, len(s.resolvers))
	for _, r := range s.resolvers {
		go func(r Resolver, req *dns.Msg) {
			resp, err := r.Resolve(ctx, req)
			if err != nil {
				log.Sugar.Debugf("%s [%s] error=[%+v]", r, req.Question[0].String(), err)
			}
			results <- resp
		}(r, req.Copy())
	}

	var fallback *dns.Msg
	for range s.resolvers {
		resp := <-results
		if resp == nil {
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			return resp
		}

		log.Sugar.Debugf("id=%d, response code [%s]", req.Id, dns.RcodeToString[resp.Rcode])
		if fallback == nil {
			fallback = resp
		}
	}

	return fallback
}

// store packs resp the way cache entries are kept: id 0, the canonical
// question and no client subnet. Answers worth keeping go into the cache.
func (s *UpStream) store(q dnswire.NormalizedQuestion, req, resp *dns.Msg) ([]byte, error) {
	resp.Id = 0
	resp.Question = req.Question
	resp.Compress = true
	util.DNSSubnetRemove(resp)

	packet, err := resp.Pack()
	if err != nil {
		return nil, err
	}

	if resp.Truncated {
		return packet, nil
	}

	switch resp.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		s.cache.Insert(q.Key(), packet, s.ttl(resp), s.now())
		s.stats.CacheInserts.Inc()
	}

	return packet, nil
}

func (s *UpStream) ttl(resp *dns.Msg) time.Duration {
	ttl := s.config.MinTTL
	if min, ok := util.DNSMinTTL(resp); ok {
		ttl = time.Duration(min) * time.Second
	}

	if ttl < s.config.MinTTL {
		return s.config.MinTTL
	}
	if ttl > s.config.MaxTTL {
		return s.config.MaxTTL
	}
	return ttl
}

func (s *UpStream) reply(cq model.ClientQuery, packet []byte) {
	reply, err := dnswire.PatchForClient(packet, cq.Question)
	if err != nil {
		log.Sugar.Errorf("%s [%s] patch error=[%+v]", cq.Origin, cq.Question.String(), err)
		return
	}

	switch o := cq.Origin.(type) {
	case model.UDPOrigin:
		if len(reply) > int(cq.Question.PayloadSize) {
			reply = dnswire.BuildTruncatedReply(cq.Question)
		}
		_, err = o.Conn.WriteTo(reply, o.Addr)
	case model.TCPOrigin:
		err = dnswire.WriteStream(o.Conn, reply)
	}

	if err != nil {
		log.Sugar.Debugf("%s reply error=[%+v]", cq.Origin, err)
		return
	}
	log.Sugar.Debugf("%s [%s] replied after %s", cq.Origin, cq.Question.String(), time.Since(cq.ReceivedAt))
}

// setSubnet set system subnet to dns.Msg EDNS0
// do nothing when req had a subnet already
func (s *UpStream) setSubnet(req *dns.Msg, ip net.IP) {
	if util.DNSSubnetExist(req) {
		return
	}

	var subnet *dns.EDNS0_SUBNET
	switch req.Question[0].Qtype {
	case dns.TypeA:
		subnet = s.subnetV4
	case dns.TypeAAAA:
		subnet = s.subnetV6
	default:
		if v4 := ip.To4(); v4 != nil || ip == nil {
			subnet = s.subnetV4
		} else {
			subnet = s.subnetV6
		}
	}

	util.DNSSetSUBNET(req, subnet)
}

func originIP(o model.Origin) net.IP {
	var addr net.Addr
	switch o := o.(type) {
	case model.UDPOrigin:
		addr = o.Addr
	case model.TCPOrigin:
		addr = o.Conn.RemoteAddr()
	}

	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}
	return nil
}
