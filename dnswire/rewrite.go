package dnswire

import (
	"encoding/binary"
	"errors"
)

// ErrInconsistentEntry means a cached packet does not carry the question it
// is stored under. It indicates a cache defect, never bad client input.
var ErrInconsistentEntry = errors.New("cached packet does not match question")

// PatchForClient returns a private copy of packet carrying the client's
// transaction id and name casing. Only letter bytes of the question name are
// replaced, label lengths stay as they are. packet itself is never written.
func PatchForClient(packet []byte, q NormalizedQuestion) ([]byte, error) {
	end := HeaderSize + len(q.QName)
	if len(packet) < end+4 || !equalFoldASCII(packet[HeaderSize:end], q.QName) {
		return nil, ErrInconsistentEntry
	}

	out := make([]byte, len(packet))
	copy(out, packet)
	SetTID(out, q.TID)
	copy(out[HeaderSize:end], q.QName)

	return out, nil
}

// BuildTruncatedReply synthesizes an empty answer with TC set, telling the
// client to retry over TCP.
func BuildTruncatedReply(q NormalizedQuestion) []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(q.QName)+4)
	SetTID(out, q.TID)
	binary.BigEndian.PutUint16(out[2:4], flagQR|flagTC|flagRD|flagRA)
	binary.BigEndian.PutUint16(out[4:6], 1)
	// answer, authority and additional counts stay zero

	out = append(out, q.QName...)
	out = binary.BigEndian.AppendUint16(out, q.QType)
	out = binary.BigEndian.AppendUint16(out, q.QClass)

	return out
}
