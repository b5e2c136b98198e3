// Package stats holds the process counters. One Stats is created at startup
// and shared by every listener and resolver worker; each counter is updated
// atomically on its own.
package stats

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

const prefix = "godot_"

type Stats struct {
	set *metrics.Set

	ClientQueriesUDP     *metrics.Counter // datagrams received
	ClientQueriesTCP     *metrics.Counter // stream queries received
	ClientQueriesErrors  *metrics.Counter // bad size or unparsable
	ClientQueriesCached  *metrics.Counter // answered from cache
	ClientQueriesExpired *metrics.Counter // found stale in cache
	ClientQueriesDropped *metrics.Counter // resolver queue full
	UpstreamErrors       *metrics.Counter
	CacheInserts         *metrics.Counter
}

func New() *Stats {
	set := metrics.NewSet()
	return &Stats{
		set:                  set,
		ClientQueriesUDP:     set.NewCounter(prefix + "client_queries_udp_total"),
		ClientQueriesTCP:     set.NewCounter(prefix + "client_queries_tcp_total"),
		ClientQueriesErrors:  set.NewCounter(prefix + "client_queries_errors_total"),
		ClientQueriesCached:  set.NewCounter(prefix + "client_queries_cached_total"),
		ClientQueriesExpired: set.NewCounter(prefix + "client_queries_expired_total"),
		ClientQueriesDropped: set.NewCounter(prefix + "client_queries_dropped_total"),
		UpstreamErrors:       set.NewCounter(prefix + "upstream_errors_total"),
		CacheInserts:         set.NewCounter(prefix + "cache_inserts_total"),
	}
}

// TrackCacheSize exports the number of cached entries as a gauge. Call it
// once per Stats.
func (s *Stats) TrackCacheSize(c interface{ Len() int }) {
	s.set.NewGauge(prefix+"cache_entries", func() float64 {
		return float64(c.Len())
	})
}

// Snapshot returns the current counter values keyed by short name.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"client_queries_udp":     s.ClientQueriesUDP.Get(),
		"client_queries_tcp":     s.ClientQueriesTCP.Get(),
		"client_queries_errors":  s.ClientQueriesErrors.Get(),
		"client_queries_cached":  s.ClientQueriesCached.Get(),
		"client_queries_expired": s.ClientQueriesExpired.Get(),
		"client_queries_dropped": s.ClientQueriesDropped.Get(),
		"upstream_errors":        s.UpstreamErrors.Get(),
		"cache_inserts":          s.CacheInserts.Get(),
	}
}

// WritePrometheus writes all metrics in the Prometheus text format.
func (s *Stats) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}
