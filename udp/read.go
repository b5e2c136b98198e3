package udp

import (
	"fmt"
	"net"

	"github.com/treemana/godot/log"
	"github.com/treemana/godot/model"
)

// read is the listener loop. A read error while running ends the listener
// and is returned to the supervisor; after StopRead it is the expected
// deadline error.
func (s *Server) read(id int, conn *net.UDPConn) error {
	// packets are handled before the next read, so one buffer is enough
	bytes := make([]byte, s.config.MaxUDPSize)
	for {
		n, remoteAddr, err := conn.ReadFrom(bytes)
		if err != nil {
			if !s.status.Load() {
				log.Logger.Debug("server udp listener stopped", log.Worker(id))
				return nil
			}
			return fmt.Errorf("udp listener %d read: %w", id, err)
		}

		s.router.Dispatch(bytes[:n], model.ProtocolUDP, model.UDPOrigin{Conn: conn, Addr: remoteAddr}, func(reply []byte) error {
			_, err := conn.WriteTo(reply, remoteAddr)
			return err
		})
	}
}
