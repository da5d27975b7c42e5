// Package quic classifies QUIC datagrams and inspects HTTP/3 frames for
// diagnostics. It implements no transport: nothing is acknowledged,
// decrypted or answered.
package quic

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

const (
	// MaxCIDLen is the longest connection id allowed in a long header.
	MaxCIDLen = 20
	// ShortHeaderCIDLen is the destination connection id length assumed for
	// short-header packets.
	ShortHeaderCIDLen = 8

	formLong = 0x80
)

var (
	// ErrShortPacket is returned when a datagram ends inside the header.
	ErrShortPacket = errors.New("quic: packet too short")
	// ErrCIDTooLong is returned for connection ids above MaxCIDLen.
	ErrCIDTooLong = errors.New("quic: connection id too long")
)

// PacketType is the long-header packet type, already shifted into place
// (flags & 0x30).
type PacketType uint8

const (
	PacketInitial   PacketType = 0x00
	PacketZeroRTT   PacketType = 0x10
	PacketHandshake PacketType = 0x20
	PacketRetry     PacketType = 0x30
)

func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "initial"
	case PacketZeroRTT:
		return "0-rtt"
	case PacketHandshake:
		return "handshake"
	case PacketRetry:
		return "retry"
	}
	return "unknown"
}

// ConnectionID is a QUIC connection id.
type ConnectionID []byte

func (c ConnectionID) String() string {
	if len(c) == 0 {
		return "(empty)"
	}
	return hex.EncodeToString(c)
}

// Packet is the unprotected envelope of a datagram. Payload aliases the input.
type Packet struct {
	Flags   byte
	Long    bool
	Type    PacketType
	Version uint32
	DestCID ConnectionID
	SrcCID  ConnectionID
	Payload []byte
}

// ParsePacket splits b into header fields and payload.
func ParsePacket(b []byte) (Packet, error) {
	var p Packet
	if len(b) < 1 {
		return p, ErrShortPacket
	}
	p.Flags = b[0]
	b = b[1:]

	if p.Flags&formLong == 0 {
		if len(b) < ShortHeaderCIDLen {
			return p, errors.Wrap(ErrShortPacket, "short header connection id")
		}
		p.DestCID = ConnectionID(b[:ShortHeaderCIDLen])
		p.Payload = b[ShortHeaderCIDLen:]
		return p, nil
	}

	p.Long = true
	p.Type = PacketType(p.Flags & 0x30)
	if len(b) < 4 {
		return p, errors.Wrap(ErrShortPacket, "version")
	}
	p.Version = binary.BigEndian.Uint32(b)
	b = b[4:]

	var err error
	if p.DestCID, b, err = readCID(b); err != nil {
		return p, errors.Wrap(err, "destination connection id")
	}
	if p.SrcCID, b, err = readCID(b); err != nil {
		return p, errors.Wrap(err, "source connection id")
	}
	p.Payload = b
	return p, nil
}

func readCID(b []byte) (ConnectionID, []byte, error) {
	if len(b) < 1 {
		return nil, nil, ErrShortPacket
	}
	n := int(b[0])
	if n > MaxCIDLen {
		return nil, nil, ErrCIDTooLong
	}
	b = b[1:]
	if len(b) < n {
		return nil, nil, ErrShortPacket
	}
	return ConnectionID(b[:n]), b[n:], nil
}
