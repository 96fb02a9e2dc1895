package wire

import (
	"bytes"
	"fmt"
	"io"
)

const (
	protocolString = "BitTorrent protocol"
	// pstrlen + pstr + reserved + infohash + peer id
	HandshakeLen = 1 + 19 + 8 + 20 + 20
)

// Handshake is the fixed 68 byte exchange that opens every peer connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) Marshal() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Marshal())
	return err
}

// ReadHandshake consumes exactly 68 bytes and validates the protocol header.
// The reserved bytes are not checked, remote clients set extension bits there.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, fmt.Errorf("handshake read: %w", err)
	}
	if buf[0] != byte(len(protocolString)) {
		return h, fmt.Errorf("%w: bad pstrlen %d", ErrMalformed, buf[0])
	}
	if !bytes.Equal(buf[1:20], []byte(protocolString)) {
		return h, fmt.Errorf("%w: bad protocol string %q", ErrMalformed, buf[1:20])
	}
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
