package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	"github.com/spf13/pflag"

	"github.com/treemana/godot/cache"
	"github.com/treemana/godot/config"
	"github.com/treemana/godot/dispatch"
	"github.com/treemana/godot/log"
	"github.com/treemana/godot/model"
	"github.com/treemana/godot/resolver"
	"github.com/treemana/godot/stats"
	"github.com/treemana/godot/tcp"
	"github.com/treemana/godot/udp"
	"github.com/treemana/godot/upstream"
	"github.com/treemana/godot/util"
)

var (
	configPath = pflag.StringP("config", "c", "godot.json", "option file, json or yaml")
	verbose    = pflag.BoolP("verbose", "v", false, "log debug messages")
)

func main() {
	pflag.Parse()
	os.Exit(run())
}

func run() int {

	option, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if *verbose {
		option.Log.Verbose = true
	}

	// init log
	if err = initLog(option.Log); err != nil {
		return 1
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cache.New()
	st := stats.New()
	st.TrackCacheSize(c)

	queries := make(chan model.ClientQuery, option.Server.QueueSize)
	router := &dispatch.Router{
		Cache:   c,
		Stats:   st,
		Queries: queries,
		MinSize: option.Server.MinQuerySize,
		MaxSize: option.Server.MaxQuerySize,
	}

	var up *upstream.UpStream
	if up, err = initUpstream(ctx, option, c, st, queries); err != nil {
		log.Sugar.Error(err)
		return 1
	}

	var server *udp.Server
	if server, err = udp.New(ctx, udp.Config{
		Address:    option.Server.Address,
		Workers:    option.Server.Workers,
		BufferSize: option.Server.UDPBufferSize,
		MaxUDPSize: option.Server.MaxUDPSize,
	}, router); err != nil {
		log.Sugar.Error(err)
		return 1
	}

	var stream *tcp.Server
	if option.Server.TCP {
		if stream, err = tcp.New(ctx, tcp.Config{
			Address:     server.Addr().String(),
			MaxClients:  option.Server.MaxTCPClients,
			IdleTimeout: option.Server.TCPIdleTimeout,
		}, router); err != nil {
			log.Sugar.Error(err)
			_ = server.StopWrite()
			return 1
		}
	}

	var metricsServer *http.Server
	if option.Metrics.Address != "" {
		metricsServer = &http.Server{
			Addr:              option.Metrics.Address,
			Handler:           stats.NewRouter(st),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Sugar.Errorf("metrics server error=[%+v]", err)
			}
		}()
		log.Sugar.Infof("metrics on http://%s/metrics", option.Metrics.Address)
	}

	go c.Janitor(ctx, option.Cache.SweepInterval)
	up.Start() // start upstream
	if stream != nil {
		stream.Start()
	}
	server.Start(ctx) // start server

	// godot is running until os exit or a listener dies
	var code int
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sc:
		log.Sugar.Infof("signal %d %s", s, s)
	case <-server.Done():
		log.Sugar.Error("listener failure, shutting down")
		code = 1
	}

	var result error
	if err = server.StopRead(); err != nil {
		result = multierror.Append(result, err)
	}
	if stream != nil {
		if err = stream.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	close(queries)
	up.Stop()
	if err = server.StopWrite(); err != nil {
		result = multierror.Append(result, err)
	}
	if metricsServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		if err = metricsServer.Shutdown(sctx); err != nil {
			result = multierror.Append(result, err)
		}
		scancel()
	}
	cancel()

	if result != nil {
		log.Sugar.Errorf("shutdown error=[%+v]", result)
		code = 1
	}
	return code
}

func initLog(option config.Log) error {
	lc := log.Config{
		File:       option.File,
		STDOUT:     option.STDOUT,
		MaxAge:     option.MaxAge,
		MaxSize:    option.MaxSize,
		MaxBackups: option.MaxBackups,
		Compress:   option.Compress,
		JsonFormat: option.JSON,
	}

	if option.Verbose {
		lc.Level = -1
	}

	if err := log.Init(lc); err != nil {
		fmt.Fprintln(os.Stderr, "log init error", err)
		return err
	}

	return nil
}

func initUpstream(ctx context.Context, option *config.Option, c *cache.Cache, st *stats.Stats, queries <-chan model.ClientQuery) (*upstream.UpStream, error) {

	dialer, err := resolver.NewDialer(option.Upstream.Proxy)
	if err != nil {
		return nil, err
	}

	fast, err := resolver.GetFastFromURLGroups(ctx, option.Upstream.Resolvers, dialer, option.Upstream.Timeout)
	if err != nil {
		return nil, err
	}

	var resolvers = make([]upstream.Resolver, 0, len(fast))
	for _, r := range fast {
		resolvers = append(resolvers, r)
	}

	var subnets []*dns.EDNS0_SUBNET
	if subnets, err = getSubnets(ctx, option.Upstream.ECS); err != nil {
		return nil, err
	}

	return upstream.New(upstream.Config{
		Workers: option.Upstream.Workers,
		Timeout: option.Upstream.Timeout,
		MinTTL:  option.Cache.MinTTL,
		MaxTTL:  option.Cache.MaxTTL,
	}, resolvers, subnets, c, st, queries)
}

func getSubnets(ctx context.Context, ecs *config.ECS) ([]*dns.EDNS0_SUBNET, error) {
	if ecs == nil {
		return nil, nil
	}

	var subnets = make([]*dns.EDNS0_SUBNET, 0, 2)

	subnetV4, err := getSubnet(ctx, ecs.IPV4, ecs.LookupURL, false, ecs.MaskBitsV4)
	if err != nil {
		return nil, err
	}
	subnets = append(subnets, subnetV4)

	var subnetV6 *dns.EDNS0_SUBNET
	if subnetV6, err = getSubnet(ctx, ecs.IPV6, ecs.LookupURL, true, ecs.MaskBitsV6); err != nil {
		return nil, err
	}
	subnets = append(subnets, subnetV6)

	return subnets, nil
}

func getSubnet(ctx context.Context, ipRAW, lookupURL string, v6 bool, mask uint8) (*dns.EDNS0_SUBNET, error) {

	var ip net.IP
	switch {
	case len(ipRAW) > 0:
		ip = net.ParseIP(ipRAW)
	case len(lookupURL) > 0:
		client := &http.Client{Timeout: 5 * time.Second, Transport: lookupTransport(v6)}
		found, err := util.GetPublicIP(ctx, client, lookupURL)
		if err != nil {
			return nil, fmt.Errorf("public ip lookup: %w", err)
		}
		ip = found
	}

	if ip == nil {
		return nil, nil
	}

	if v6 {
		if ip.To4() != nil {
			return nil, nil
		}
		ip = ip.To16()
	} else {
		if ip = ip.To4(); ip == nil {
			return nil, nil
		}
	}

	return util.DNSNewSubnetFromIP(ip, mask), nil
}

// lookupTransport pins the lookup to one address family, so the service
// reports the address of that family.
func lookupTransport(v6 bool) *http.Transport {
	network := "tcp4"
	if v6 {
		network = "tcp6"
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	return t
}
