package dnswire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/miekg/dns"
)

// ErrParse is returned for any query that is unsafe to interpret further.
var ErrParse = errors.New("malformed dns query")

// NormalizedQuestion is the validated, immutable view of one query.
type NormalizedQuestion struct {
	// QName is the expanded wire name with its terminating root label, as
	// the client cased it.
	QName []byte
	// QNameCanonical is QName with ASCII letters folded, only used for keys.
	QNameCanonical []byte

	QType  uint16
	QClass uint16

	// TID is the request transaction id, never part of the cache key.
	TID uint16

	// PayloadSize is the largest UDP response the client accepts.
	PayloadSize uint16
	DnssecOK    bool
}

// Key identifies cached answers independently of casing and transaction id.
type Key struct {
	Name     string // canonical wire name
	QType    uint16
	QClass   uint16
	DnssecOK bool
}

// String is used to pick the cache shard, so it must be cheap.
func (k Key) String() string {
	do := "0"
	if k.DnssecOK {
		do = "1"
	}
	return k.Name + "/" + strconv.Itoa(int(k.QType)) + "/" + strconv.Itoa(int(k.QClass)) + "/" + do
}

func (q *NormalizedQuestion) Key() Key {
	return Key{
		Name:     string(q.QNameCanonical),
		QType:    q.QType,
		QClass:   q.QClass,
		DnssecOK: q.DnssecOK,
	}
}

// FQDN returns the presentation form of QName, e.g. "ExAmPlE.com.".
func (q *NormalizedQuestion) FQDN() string {
	return presentation(q.QName)
}

// CanonicalFQDN returns the presentation form of QNameCanonical.
func (q *NormalizedQuestion) CanonicalFQDN() string {
	return presentation(q.QNameCanonical)
}

func (q *NormalizedQuestion) String() string {
	return fmt.Sprintf("%s %s %s", q.FQDN(), dns.Class(q.QClass), dns.Type(q.QType))
}

func presentation(name []byte) string {
	s, _, err := dns.UnpackDomainName(name, 0)
	if err != nil {
		return "<invalid>"
	}
	return s
}

func parseErr(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrParse}, a...)...)
}

// Normalize validates packet as a single question query and extracts its
// question. The EDNS0 OPT record is only looked at when acceptEDNS is set.
// Callers bound len(packet); any content within that range is tolerated.
func Normalize(packet []byte, acceptEDNS bool) (NormalizedQuestion, error) {
	var q NormalizedQuestion

	if len(packet) < HeaderSize {
		return q, parseErr("short header, %d bytes", len(packet))
	}

	flags := Flags(packet)
	if flags&flagQR != 0 {
		return q, parseErr("response flag set")
	}
	if flags&opcodeMask != dns.OpcodeQuery<<11 {
		return q, parseErr("opcode %d", (flags&opcodeMask)>>11)
	}

	qd, an, ns, ar := Counts(packet)
	if qd != 1 {
		return q, parseErr("%d questions", qd)
	}
	if an != 0 || ns != 0 {
		return q, parseErr("answer=%d authority=%d in query", an, ns)
	}

	name, off, err := readName(packet, HeaderSize)
	if err != nil {
		return q, err
	}
	if off+4 > len(packet) {
		return q, parseErr("truncated question")
	}

	q.QName = name
	q.QNameCanonical = foldName(name)
	q.QType = binary.BigEndian.Uint16(packet[off:])
	q.QClass = binary.BigEndian.Uint16(packet[off+2:])
	q.TID = TID(packet)
	q.PayloadSize = DefaultPayloadSize
	off += 4

	if acceptEDNS && ar > 0 {
		if err = parseAdditional(packet, off, int(ar), &q); err != nil {
			return NormalizedQuestion{}, err
		}
	}

	return q, nil
}

// readName expands the name at off and returns it with the offset following
// the name at its original position. Pointers must point strictly before the
// segment they were reached from, so expansion always terminates.
func readName(packet []byte, off int) ([]byte, int, error) {
	var (
		name  = make([]byte, 0, 32)
		pos   = off
		floor = off // start of the segment being read
		end   = -1
		hops  int
	)

	for {
		if pos >= len(packet) {
			return nil, 0, parseErr("name overruns message at %d", pos)
		}

		l := int(packet[pos])
		switch l & 0xC0 {
		case 0x00:
			if l == 0 {
				name = append(name, 0)
				if end < 0 {
					end = pos + 1
				}
				return name, end, nil
			}
			if pos+1+l > len(packet) {
				return nil, 0, parseErr("label overruns message at %d", pos)
			}
			// room for the root label is required as well
			if len(name)+1+l+1 > MaxNameSize {
				return nil, 0, parseErr("name too long")
			}
			name = append(name, packet[pos:pos+1+l]...)
			pos += 1 + l

		case 0xC0:
			if pos+2 > len(packet) {
				return nil, 0, parseErr("pointer overruns message at %d", pos)
			}
			ptr := int(binary.BigEndian.Uint16(packet[pos:]) & 0x3FFF)
			if ptr < HeaderSize || ptr >= floor {
				return nil, 0, parseErr("bad compression pointer %d at %d", ptr, pos)
			}
			if hops++; hops > maxPointerHops {
				return nil, 0, parseErr("too many compression pointers")
			}
			if end < 0 {
				end = pos + 2
			}
			pos, floor = ptr, ptr

		default:
			return nil, 0, parseErr("reserved label type 0x%02x at %d", l&0xC0, pos)
		}
	}
}

// parseAdditional walks ar records starting at off and picks up the OPT
// pseudo-record, RFC 6891 section 6.1.
func parseAdditional(packet []byte, off, ar int, q *NormalizedQuestion) error {
	var seenOPT bool
	for i := 0; i < ar; i++ {
		name, next, err := readName(packet, off)
		if err != nil {
			return err
		}
		off = next
		if off+10 > len(packet) {
			return parseErr("truncated additional record %d", i)
		}

		rrtype := binary.BigEndian.Uint16(packet[off:])
		class := binary.BigEndian.Uint16(packet[off+2:])
		ttl := binary.BigEndian.Uint32(packet[off+4:])
		rdlen := int(binary.BigEndian.Uint16(packet[off+8:]))
		off += 10
		if off+rdlen > len(packet) {
			return parseErr("truncated rdata in additional record %d", i)
		}
		off += rdlen

		if rrtype != dns.TypeOPT {
			continue
		}
		if seenOPT {
			return parseErr("multiple OPT records")
		}
		if len(name) != 1 {
			return parseErr("OPT record with non-root owner")
		}
		if version := uint8(ttl >> 16); version != 0 {
			return parseErr("unsupported EDNS version %d", version)
		}
		seenOPT = true
		q.PayloadSize = max(class, DefaultPayloadSize)
		q.DnssecOK = ttl&ednsDO != 0
	}
	return nil
}
