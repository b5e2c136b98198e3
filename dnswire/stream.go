package dnswire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteStream writes packet with its two byte length prefix, RFC 1035
// section 4.2.2. Prefix and message go out in a single Write, so concurrent
// writers on one net.Conn never interleave.
func WriteStream(w io.Writer, packet []byte) error {
	if len(packet) > 0xFFFF {
		return fmt.Errorf("stream message of %d bytes", len(packet))
	}
	buf := make([]byte, 2+len(packet))
	binary.BigEndian.PutUint16(buf, uint16(len(packet)))
	copy(buf[2:], packet)
	_, err := w.Write(buf)
	return err
}
