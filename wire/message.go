package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed reports a frame whose payload disagrees with its message id.
var ErrMalformed = errors.New("malformed message")

type MessageID byte

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9
)

// Request names a block inside a piece. Structural equality, usable as a
// map key.
type Request struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (r Request) String() string {
	return fmt.Sprintf("piece=%d begin=%d len=%d", r.Index, r.Begin, r.Length)
}

// Message is one peer wire frame after the length prefix. A zero length
// frame decodes with Keepalive set and nothing else.
type Message struct {
	Keepalive bool
	ID        MessageID

	// Have / Request / Cancel / Piece fields
	Index  uint32
	Begin  uint32
	Length uint32

	Bitfield []byte // Bitfield payload, MSB first
	Piece    []byte // Piece payload bytes
	Port     uint16

	// ids above MsgPort carry their payload raw, we don't interpret them
	Unknown []byte
}

// Marshal emits the full frame including the 4 byte big endian length prefix.
func (m Message) Marshal() []byte {
	if m.Keepalive {
		return []byte{0, 0, 0, 0}
	}
	var payload []byte
	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
	case MsgHave:
		payload = be32(m.Index)
	case MsgBitfield:
		payload = m.Bitfield
	case MsgRequest, MsgCancel:
		payload = append(append(be32(m.Index), be32(m.Begin)...), be32(m.Length)...)
	case MsgPiece:
		payload = append(append(be32(m.Index), be32(m.Begin)...), m.Piece...)
	case MsgPort:
		payload = []byte{byte(m.Port >> 8), byte(m.Port)}
	default:
		payload = m.Unknown
	}
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, be32(uint32(1+len(payload)))...)
	buf = append(buf, byte(m.ID))
	buf = append(buf, payload...)
	return buf
}

// Unmarshal decodes the bytes that followed a non zero length prefix.
func Unmarshal(frame []byte) (Message, error) {
	var m Message
	if len(frame) == 0 {
		m.Keepalive = true
		return m, nil
	}
	m.ID = MessageID(frame[0])
	payload := frame[1:]
	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(payload) != 0 {
			return m, fmt.Errorf("%w: id %d with %d byte payload", ErrMalformed, m.ID, len(payload))
		}
	case MsgHave:
		if len(payload) != 4 {
			return m, fmt.Errorf("%w: have payload %d bytes", ErrMalformed, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case MsgBitfield:
		m.Bitfield = payload
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return m, fmt.Errorf("%w: request payload %d bytes", ErrMalformed, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case MsgPiece:
		if len(payload) < 8 {
			return m, fmt.Errorf("%w: piece payload %d bytes", ErrMalformed, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Piece = payload[8:]
	case MsgPort:
		if len(payload) != 2 {
			return m, fmt.Errorf("%w: port payload %d bytes", ErrMalformed, len(payload))
		}
		m.Port = binary.BigEndian.Uint16(payload)
	default:
		m.Unknown = payload
	}
	return m, nil
}

// ReadMessage reads one length prefixed frame. MaxFrameLen bounds what we
// accept: a 128KiB block plus its 9 byte piece header.
const MaxFrameLen = 1<<17 + 9

func ReadMessage(r io.Reader) (Message, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n == 0 {
		return Message{Keepalive: true}, nil
	}
	if n > MaxFrameLen {
		return Message{}, fmt.Errorf("%w: frame length %d", ErrMalformed, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return Message{}, err
	}
	return Unmarshal(frame)
}

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}
