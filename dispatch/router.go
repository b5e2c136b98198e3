// Package dispatch runs every received query through the cache pipeline:
// size check, normalization, lookup, then either a reply built from the
// cached answer or a hand-off to the resolver workers.
package dispatch

import (
	"time"

	"github.com/treemana/godot/cache"
	"github.com/treemana/godot/dnswire"
	"github.com/treemana/godot/log"
	"github.com/treemana/godot/model"
	"github.com/treemana/godot/stats"
)

// Outcome is what Dispatch did with a packet.
type Outcome uint8

const (
	Rejected  Outcome = iota + 1 // bad size or unparsable, no reply
	Hit                          // cached answer sent
	Truncated                    // cached answer too large, TC reply sent
	Queued                       // handed to the resolver
	Overflow                     // resolver queue full, no reply
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Hit:
		return "hit"
	case Truncated:
		return "truncated"
	case Queued:
		return "queued"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Router holds no per-packet state and is shared by all listeners.
type Router struct {
	Cache *cache.Cache
	Stats *stats.Stats

	// Queries receives cache misses. Sends never block; the owner closes it
	// only after every listener has stopped.
	Queries chan<- model.ClientQuery

	// MinSize and MaxSize bound the accepted query length in bytes.
	MinSize int
	MaxSize int

	Now func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Dispatch handles one query. send writes a reply to the client; its errors
// are ignored because the client retries on its own.
func (r *Router) Dispatch(packet []byte, proto model.Protocol, origin model.Origin, send func([]byte) error) Outcome {
	switch proto {
	case model.ProtocolTCP:
		r.Stats.ClientQueriesTCP.Inc()
	default:
		r.Stats.ClientQueriesUDP.Inc()
	}

	if len(packet) < r.MinSize || len(packet) > r.MaxSize {
		r.Stats.ClientQueriesErrors.Inc()
		log.Sugar.Debugf("%s query from %s, bad size %d", proto, origin, len(packet))
		return Rejected
	}

	q, err := dnswire.Normalize(packet, true)
	if err != nil {
		r.Stats.ClientQueriesErrors.Inc()
		log.Sugar.Debugf("%s query from %s, parse error=[%+v]", proto, origin, err)
		return Rejected
	}

	now := r.now()
	if entry, ok := r.Cache.Lookup(q.Key()); ok {
		if !entry.IsExpired(now) {
			if outcome, ok := r.reply(q, entry, proto, origin, send); ok {
				return outcome
			}
		} else {
			r.Stats.ClientQueriesExpired.Inc()
			log.Sugar.Debugf("id=%d, [%s] expired", q.TID, &q)
		}
	}

	cq := model.ClientQuery{
		Proto:      proto,
		Origin:     origin,
		Question:   q,
		ReceivedAt: now,
	}
	select {
	case r.Queries <- cq:
		return Queued
	default:
		r.Stats.ClientQueriesDropped.Inc()
		log.Sugar.Debugf("id=%d, [%s] resolver queue full", q.TID, &q)
		return Overflow
	}
}

// reply answers from a fresh entry. It reports false when the entry does not
// fit the question, the query then continues as a miss.
func (r *Router) reply(q dnswire.NormalizedQuestion, entry cache.Entry, proto model.Protocol, origin model.Origin, send func([]byte) error) (Outcome, bool) {
	// streams carry answers of any size
	if proto == model.ProtocolUDP && len(entry.Packet) > int(q.PayloadSize) {
		r.Stats.ClientQueriesCached.Inc()
		r.send(send, dnswire.BuildTruncatedReply(q), origin)
		log.Sugar.Debugf("id=%d, [%s] cached, truncated %d > %d", q.TID, &q, len(entry.Packet), q.PayloadSize)
		return Truncated, true
	}

	packet, err := dnswire.PatchForClient(entry.Packet, q)
	if err != nil {
		log.Sugar.Warnf("id=%d, [%s] %v", q.TID, &q, err)
		return 0, false
	}

	r.Stats.ClientQueriesCached.Inc()
	r.send(send, packet, origin)
	log.Sugar.Debugf("id=%d, [%s] cached", q.TID, &q)
	return Hit, true
}

func (r *Router) send(send func([]byte) error, packet []byte, origin model.Origin) {
	if err := send(packet); err != nil {
		log.Sugar.Debugf("write to %s error=[%+v]", origin, err)
	}
}
