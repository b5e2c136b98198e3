// Package upstream resolves cache misses. Workers forward each query to
// every resolver, cache the first usable answer and reply to the client.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/godot/cache"
	"github.com/treemana/godot/log"
	"github.com/treemana/godot/model"
	"github.com/treemana/godot/stats"
)

// Resolver is one upstream server, see resolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
	String() string
}

type Config struct {
	Workers int
	Timeout time.Duration // per query, across all resolvers
	MinTTL  time.Duration
	MaxTTL  time.Duration
}

type UpStream struct {
	config    Config
	resolvers []Resolver
	subnetV4  *dns.EDNS0_SUBNET
	subnetV6  *dns.EDNS0_SUBNET

	cache   *cache.Cache
	stats   *stats.Stats
	queries <-chan model.ClientQuery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(config Config, resolvers []Resolver, subnets []*dns.EDNS0_SUBNET,
	c *cache.Cache, s *stats.Stats, queries <-chan model.ClientQuery) (*UpStream, error) {

	if len(resolvers) == 0 {
		return nil, errors.New("empty resolvers")
	}

	if config.Workers <= 0 {
		return nil, fmt.Errorf("invalid upstream workers=%d", config.Workers)
	}

	if config.Timeout <= 0 {
		return nil, fmt.Errorf("invalid upstream timeout=%s", config.Timeout)
	}

	if config.MaxTTL < config.MinTTL {
		return nil, fmt.Errorf("max ttl %s below min ttl %s", config.MaxTTL, config.MinTTL)
	}

	us := &UpStream{
		config:    config,
		resolvers: resolvers,
		cache:     c,
		stats:     s,
		queries:   queries,
		now:       time.Now,
	}
	us.ctx, us.cancel = context.WithCancel(context.Background())

	for _, subnet := range subnets {
		if subnet == nil {
			continue
		}

		log.Sugar.Infof("upstream subnet %s", subnet.String())

		if v4 := subnet.Address.To4(); v4 != nil {
			us.subnetV4 = subnet
			continue
		}

		us.subnetV6 = subnet
	}

	return us, nil
}

func (s *UpStream) Start() {
	s.wg.Add(s.config.Workers)
	for i := 0; i < s.config.Workers; i++ {
		go func(id int) {
			s.request(id)
			s.wg.Done()
		}(i)
	}
	log.Sugar.Info("upstream is running ...")
}

// Stop aborts in-flight resolutions and waits for the workers. The queries
// channel must be closed first; whatever is still queued is answered with
// SERVFAIL.
func (s *UpStream) Stop() {
	log.Sugar.Info("upstream stopping")
	s.cancel()
	s.wg.Wait()
	log.Sugar.Info("upstream stopped")
}
