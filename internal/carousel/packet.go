// Package carousel reassembles broadcast file objects from an MPEG-2
// transport stream carrying a DSM-CC style object carousel.
//
// The stream is consumed one 188-byte transport packet at a time. Packets are
// demultiplexed by PID, payloads are stitched into private sections, and the
// sections are interpreted as either directory messages (which announce an
// object's name, size, block size and validity) or data messages (which carry
// one block of an announced object). An object is delivered only when every
// block declared by its directory message has arrived.
package carousel

import (
	"errors"
	"fmt"
)

// Transport stream constants.
const (
	// PacketSize is the size of one MPEG-2 transport packet.
	PacketSize = 188
	// SyncByte starts every transport packet.
	SyncByte = 0x47
	// NullPID carries stuffing packets and is ignored.
	NullPID = 0x1FFF

	headerSize = 4
)

// Packet errors.
var (
	ErrShortPacket    = errors.New("carousel: packet is not 188 bytes")
	ErrSync           = errors.New("carousel: missing sync byte")
	ErrTransportError = errors.New("carousel: transport error indicator set")
	ErrAdaptation     = errors.New("carousel: invalid adaptation field")
)

// Packet is a parsed transport packet header plus its payload.
type Packet struct {
	Payload []byte
	PID     uint16
	// PUSI is the payload_unit_start_indicator: a new section starts in this
	// packet and the payload begins with a pointer_field.
	PUSI       bool
	Continuity uint8
	HasPayload bool
}

// ParsePacket parses a single transport packet. The returned payload aliases b.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("%w: got %d", ErrShortPacket, len(b))
	}

	if b[0] != SyncByte {
		return Packet{}, ErrSync
	}

	if b[1]&0x80 != 0 {
		return Packet{}, ErrTransportError
	}

	p := Packet{
		PID:        uint16(b[1]&0x1F)<<8 | uint16(b[2]),
		PUSI:       b[1]&0x40 != 0,
		Continuity: b[3] & 0x0F,
	}

	afc := (b[3] >> 4) & 0x03
	offset := headerSize

	switch afc {
	case 0x01:
		p.HasPayload = true
	case 0x02:
		// adaptation field only
		return p, nil
	case 0x03:
		p.HasPayload = true
		afLen := int(b[offset])
		offset += 1 + afLen
		if offset > PacketSize {
			return Packet{}, ErrAdaptation
		}
	default:
		return Packet{}, ErrAdaptation
	}

	p.Payload = b[offset:]

	return p, nil
}
