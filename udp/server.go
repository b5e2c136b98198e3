package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/treemana/godot/dispatch"
	"github.com/treemana/godot/log"
	"github.com/treemana/godot/socket"
)

type Config struct {
	Address    string
	Workers    int // listeners sharing Address
	BufferSize int // kernel socket buffers, 0 keeps the default
	MaxUDPSize int // receive buffer per listener
}

// Server runs one listener per socket. Each listener blocks in ReadFrom and
// handles its packet synchronously before reading the next one.
type Server struct {
	config Config
	router *dispatch.Router
	conns  []*net.UDPConn
	status atomic.Bool // running status

	group *errgroup.Group
	done  <-chan struct{}
}

func New(ctx context.Context, config Config, router *dispatch.Router) (*Server, error) {

	if config.Workers <= 0 {
		return nil, fmt.Errorf("invalid workers=%d", config.Workers)
	}

	if config.MaxUDPSize <= 0 {
		return nil, fmt.Errorf("invalid max udp size=%d", config.MaxUDPSize)
	}

	s := Server{config: config, router: router}

	// later sockets bind the port the first one got, which matters for port 0
	address := config.Address
	for i := 0; i < config.Workers; i++ {
		conn, err := socket.ListenUDP(ctx, address, config.BufferSize)
		if err != nil {
			log.Sugar.Errorf("server udp [%s] listen error=[%+v]", address, err)
			_ = s.closeConns()
			return nil, err
		}
		s.conns = append(s.conns, conn)
		address = conn.LocalAddr().String()
	}

	return &s, nil
}

func (s *Server) Addr() net.Addr {
	return s.conns[0].LocalAddr()
}

// Start launches the listeners. The first listener failing cancels the
// group, observable through Done.
func (s *Server) Start(ctx context.Context) {

	s.status.Store(true)

	group, gctx := errgroup.WithContext(ctx)
	s.group, s.done = group, gctx.Done()
	for i, conn := range s.conns {
		i, conn := i, conn
		group.Go(func() error {
			return s.read(i, conn)
		})
	}

	log.Sugar.Infof("server udp %s running with %d listeners ...", s.Addr(), len(s.conns))
}

// Done is closed when a listener died or ctx passed to Start is done.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// StopRead stops the listeners without closing the sockets, so resolver
// workers can still answer pending queries. It returns the error that
// killed a listener, if any.
func (s *Server) StopRead() error {
	log.Sugar.Info("server udp read stopping")
	s.status.Store(false)

	now := time.Now()
	for _, conn := range s.conns {
		_ = conn.SetReadDeadline(now)
	}

	err := s.group.Wait()
	log.Sugar.Info("server udp read stopped")
	return err
}

// StopWrite closes the sockets once nothing writes to them any more.
func (s *Server) StopWrite() error {
	log.Sugar.Info("server udp write stopping")
	err := s.closeConns()
	if err != nil {
		log.Sugar.Errorf("server udp connection close error=[%+v]", err)
	}
	log.Sugar.Info("server udp write stopped")
	return err
}

func (s *Server) closeConns() error {
	var result error
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result
}
