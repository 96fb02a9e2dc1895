package peer

import (
	"errors"

	"github.com/TorrentDamDev/bittorrent/wire"
)

var (
	ErrHandshakeFailed    = errors.New("handshake failed")
	ErrUnexpectedPiece    = errors.New("piece for a request we did not send")
	ErrPeerDoesNotRespond = errors.New("peer does not respond")
	ErrUnchokeTimeout     = errors.New("peer kept us choked")
	ErrClosed             = errors.New("connection closed")
)

// Event is what a connection reports on its event stream.
type Event interface {
	peerEvent()
}

// Downloaded carries a completed block.
type Downloaded struct {
	Request wire.Request
	Bytes   []byte
}

// Disconnected is the final event on any connection. Unfinished lists the
// requests still queued or on the wire, the swarm hands them back to the
// picker so another peer can retake them.
type Disconnected struct {
	Reason     error
	Unfinished []wire.Request
}

func (Downloaded) peerEvent()   {}
func (Disconnected) peerEvent() {}
