// Package tcp accepts length-prefixed queries over streams and runs them
// through the same dispatch pipeline as datagrams. Clients get here after a
// truncated UDP reply.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"

	"github.com/treemana/godot/dispatch"
	"github.com/treemana/godot/dnswire"
	"github.com/treemana/godot/log"
	"github.com/treemana/godot/model"
	"github.com/treemana/godot/socket"
)

type Config struct {
	Address     string
	MaxClients  int64         // concurrent connections, extra ones are closed
	IdleTimeout time.Duration // per connection read timeout
}

type Server struct {
	config   Config
	router   *dispatch.Router
	listener net.Listener
	clients  *semaphore.Weighted
	status   atomic.Bool // running status

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(ctx context.Context, config Config, router *dispatch.Router) (*Server, error) {

	if config.MaxClients <= 0 {
		return nil, fmt.Errorf("invalid max clients=%d", config.MaxClients)
	}

	if config.IdleTimeout <= 0 {
		return nil, fmt.Errorf("invalid idle timeout=%s", config.IdleTimeout)
	}

	l, err := socket.ListenTCP(ctx, config.Address)
	if err != nil {
		log.Sugar.Errorf("server tcp [%s] listen error=[%+v]", config.Address, err)
		return nil, err
	}

	return &Server{
		config:   config,
		router:   router,
		listener: l,
		clients:  semaphore.NewWeighted(config.MaxClients),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Start() {
	s.status.Store(true)
	s.wg.Add(1)
	go func() {
		s.accept()
		s.wg.Done()
	}()
	log.Sugar.Infof("server tcp %s running ...", s.Addr())
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines.
func (s *Server) Stop() error {
	log.Sugar.Info("server tcp stopping")
	s.status.Store(false)

	var result error
	if err := s.listener.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	s.mu.Lock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Sugar.Info("server tcp stopped")
	return result
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.status.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Sugar.Errorf("server tcp accept error=[%+v]", err)
			return
		}

		if !s.clients.TryAcquire(1) {
			log.Sugar.Warnf("server tcp too many clients, closing %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			s.serve(conn)
			s.track(conn, false)
			s.clients.Release(1)
			s.wg.Done()
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
}

// serve reads queries until the client goes idle or hangs up. Replies for
// misses are written by the resolver on the same connection.
func (s *Server) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var (
		origin = model.TCPOrigin{Conn: conn}
		length [2]byte
		packet = make([]byte, dns.MaxMsgSize)
	)
	send := func(reply []byte) error {
		return dnswire.WriteStream(conn, reply)
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, length[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Sugar.Debugf("server tcp %s read error=[%+v]", origin, err)
			}
			return
		}
		n := int(binary.BigEndian.Uint16(length[:]))
		if _, err := io.ReadFull(conn, packet[:n]); err != nil {
			log.Sugar.Debugf("server tcp %s read error=[%+v]", origin, err)
			return
		}

		s.router.Dispatch(packet[:n], model.ProtocolTCP, origin, send)
	}
}
