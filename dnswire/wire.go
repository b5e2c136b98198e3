// Package dnswire parses untrusted DNS queries into a canonical question and
// rewrites cached wire answers for individual clients.
//
// Nothing here allocates a dns.Msg: queries are inspected in place and cached
// answers are patched byte-wise, so one stored packet can serve any number of
// clients that differ only in transaction id and name casing.
package dnswire

import (
	"encoding/binary"
)

const (
	HeaderSize = 12

	// DefaultPayloadSize is the UDP limit for clients without EDNS0, RFC 1035 section 4.2.1.
	DefaultPayloadSize = 512

	// MaxNameSize is the wire length limit of a domain name including the root label.
	MaxNameSize = 255

	maxLabelSize   = 63
	maxPointerHops = 32
)

// header flag bits, RFC 1035 section 4.1.1
const (
	flagQR     = 1 << 15
	flagTC     = 1 << 9
	flagRD     = 1 << 8
	flagRA     = 1 << 7
	opcodeMask = 0xF << 11

	// DO bit within the OPT TTL field, RFC 3225
	ednsDO = 1 << 15
)

// TID returns the transaction id of packet, which must hold a full header.
func TID(packet []byte) uint16 {
	return binary.BigEndian.Uint16(packet[0:2])
}

// SetTID overwrites the transaction id of packet in place.
func SetTID(packet []byte, tid uint16) {
	binary.BigEndian.PutUint16(packet[0:2], tid)
}

// Flags returns the 16 bit flag word of the header.
func Flags(packet []byte) uint16 {
	return binary.BigEndian.Uint16(packet[2:4])
}

// IsTruncated reports whether the TC bit is set.
func IsTruncated(packet []byte) bool {
	return Flags(packet)&flagTC != 0
}

// Counts returns QDCOUNT, ANCOUNT, NSCOUNT and ARCOUNT.
func Counts(packet []byte) (qd, an, ns, ar uint16) {
	return binary.BigEndian.Uint16(packet[4:6]),
		binary.BigEndian.Uint16(packet[6:8]),
		binary.BigEndian.Uint16(packet[8:10]),
		binary.BigEndian.Uint16(packet[10:12])
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// foldName lowers the ASCII letters of a wire name. Length bytes never exceed
// 63 so they are left untouched.
func foldName(name []byte) []byte {
	folded := make([]byte, len(name))
	for i, c := range name {
		folded[i] = lowerASCII(c)
	}
	return folded
}

func equalFoldASCII(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}
