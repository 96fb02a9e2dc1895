package peer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"golang.org/x/time/rate"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// Config carries the tunables of a single connection. Zero values get the
// protocol defaults.
type Config struct {
	HandshakeTimeout    time.Duration // per direction, default 5s
	WriteTimeout        time.Duration // per frame, default 5s
	CheckRequestTimeout time.Duration // request to Piece, default 10s
	UnchokeTimeout      time.Duration // queued while choked, default 30s
	KeepaliveInterval   time.Duration // default 2m

	// DownloadLimiter throttles Piece payload intake, shared across the
	// swarm's connections. Nil means unlimited.
	DownloadLimiter *rate.Limiter

	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CheckRequestTimeout == 0 {
		c.CheckRequestTimeout = 10 * time.Second
	}
	if c.UnchokeTimeout == 0 {
		c.UnchokeTimeout = 30 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 2 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type cmdKind int

const (
	cmdPeerMessage cmdKind = iota
	cmdSendKeepAlive
	cmdDownload
	cmdCheckRequest
	cmdCheckUnchoke
	cmdInterested
)

type command struct {
	kind cmdKind
	msg  wire.Message
	req  wire.Request
}

// Conn is one peer wire session. A reader goroutine turns socket frames
// into commands, a single processor goroutine owns all state and handles
// one command at a time, so there is no locking around the choke flags or
// the request sets.
type Conn struct {
	sock     net.Conn
	cfg      Config
	infohash [20]byte
	peerID   [20]byte

	cmds     chan command
	readErrs chan error
	events   chan Event
	closed   chansync.SetOnce
	cancel   context.CancelFunc

	// processor-owned state
	lastMessage    time.Time
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	queue          *requestList
	pending        *requestList
	unchokeArmed   bool

	// bitfield is written by the processor and snapshotted by the swarm,
	// the one piece of shared state
	availability availabilityCell
}

// Dial opens a TCP connection to peer and runs the handshake.
func Dial(selfID, infohash [20]byte, peer wire.PeerInfo, cfg Config) (*Conn, error) {
	cfg.setDefaults()
	sock, err := net.DialTimeout("tcp", peer.Addr(), cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	c, err := New(sock, selfID, infohash, cfg)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return c, nil
}

// New performs the handshake over an established socket and starts the
// connection's goroutines. The handshake has a 5s deadline each way and
// fails if the peer answers for a different infohash.
func New(sock net.Conn, selfID, infohash [20]byte, cfg Config) (*Conn, error) {
	cfg.setDefaults()

	sock.SetWriteDeadline(cfg.Now().Add(cfg.HandshakeTimeout))
	if err := wire.WriteHandshake(sock, wire.Handshake{InfoHash: infohash, PeerID: selfID}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	sock.SetReadDeadline(cfg.Now().Add(cfg.HandshakeTimeout))
	h, err := wire.ReadHandshake(sock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if h.InfoHash != infohash {
		return nil, fmt.Errorf("%w: infohash mismatch", ErrHandshakeFailed)
	}
	sock.SetReadDeadline(time.Time{})
	sock.SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sock:        sock,
		cfg:         cfg,
		infohash:    infohash,
		peerID:      h.PeerID,
		cmds:        make(chan command, 64),
		readErrs:    make(chan error, 1),
		events:      make(chan Event, 64),
		cancel:      cancel,
		lastMessage: cfg.Now(),
		amChoking:   true,
		peerChoking: true,
		queue:       newRequestList(),
		pending:     newRequestList(),
	}
	go c.readLoop(ctx)
	go c.run()
	c.schedule(cfg.KeepaliveInterval, command{kind: cmdSendKeepAlive})
	return c, nil
}

func (c *Conn) PeerID() [20]byte     { return c.peerID }
func (c *Conn) InfoHash() [20]byte   { return c.infohash }
func (c *Conn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// Events is the connection's output stream. It ends with exactly one
// Disconnected, after which the channel is closed.
func (c *Conn) Events() <-chan Event { return c.events }

// Availability snapshots which pieces the peer claims to have.
func (c *Conn) Availability() *roaring.Bitmap { return c.availability.snapshot() }

// Enqueue adds a block download. Already queued or in-flight requests are
// no-ops.
func (c *Conn) Enqueue(r wire.Request) {
	c.post(command{kind: cmdDownload, req: r})
}

// Interested tells the peer we want to download even before any block is
// queued.
func (c *Conn) Interested() {
	c.post(command{kind: cmdInterested})
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	if c.closed.Set() {
		c.cancel()
		c.sock.Close()
	}
}

// post delivers a command unless the connection is gone. Timer callbacks
// land here after cancellation and are discarded.
func (c *Conn) post(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.closed.Done():
	}
}

func (c *Conn) schedule(d time.Duration, cmd command) {
	time.AfterFunc(d, func() { c.post(cmd) })
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		m, err := wire.ReadMessage(c.sock)
		if err != nil {
			select {
			case c.readErrs <- err:
			case <-c.closed.Done():
			}
			return
		}
		if m.ID == wire.MsgPiece && c.cfg.DownloadLimiter != nil && len(m.Piece) > 0 {
			if err := c.cfg.DownloadLimiter.WaitN(ctx, len(m.Piece)); err != nil {
				return
			}
		}
		select {
		case c.cmds <- command{kind: cmdPeerMessage, msg: m}:
		case <-c.closed.Done():
			return
		}
	}
}

// run is the single consumer of the command queue. Any handler error is
// fatal to the connection.
func (c *Conn) run() {
	for {
		select {
		case cmd := <-c.cmds:
			err := c.handle(cmd)
			c.lastMessage = c.cfg.Now()
			if err != nil {
				c.fail(err)
				return
			}
		case err := <-c.readErrs:
			c.fail(err)
			return
		case <-c.closed.Done():
			c.fail(ErrClosed)
			return
		}
	}
}

// fail closes the socket and emits the terminal Disconnected with
// everything still queued or on the wire.
func (c *Conn) fail(reason error) {
	// socket errors provoked by our own Close are not real failures
	if c.closed.IsSet() {
		reason = ErrClosed
	}
	c.closed.Set()
	c.cancel()
	c.sock.Close()
	unfinished := append(c.queue.All(), c.pending.All()...)
	c.events <- Disconnected{Reason: reason, Unfinished: unfinished}
	close(c.events)
}

func (c *Conn) handle(cmd command) error {
	switch cmd.kind {
	case cmdPeerMessage:
		return c.handleMessage(cmd.msg)
	case cmdSendKeepAlive:
		if c.cfg.Now().Sub(c.lastMessage) > c.cfg.KeepaliveInterval {
			if err := c.send(wire.Message{Keepalive: true}); err != nil {
				return err
			}
		}
		c.schedule(c.cfg.KeepaliveInterval, command{kind: cmdSendKeepAlive})
		return nil
	case cmdDownload:
		if c.pending.Contains(cmd.req) {
			return nil
		}
		if !c.queue.PushTail(cmd.req) {
			return nil
		}
		if c.peerChoking && !c.unchokeArmed {
			c.unchokeArmed = true
			c.schedule(c.cfg.UnchokeTimeout, command{kind: cmdCheckUnchoke})
		}
		return c.promote()
	case cmdCheckRequest:
		if c.queue.Contains(cmd.req) || c.pending.Contains(cmd.req) {
			return fmt.Errorf("%w: %s", ErrPeerDoesNotRespond, cmd.req)
		}
		return nil
	case cmdCheckUnchoke:
		c.unchokeArmed = false
		if c.peerChoking && c.queue.Len()+c.pending.Len() > 0 {
			return ErrUnchokeTimeout
		}
		return nil
	case cmdInterested:
		return c.sendInterested()
	}
	return nil
}

func (c *Conn) handleMessage(m wire.Message) error {
	if m.Keepalive {
		return nil
	}
	switch m.ID {
	case wire.MsgChoke:
		c.peerChoking = true
	case wire.MsgUnchoke:
		c.peerChoking = false
		return c.promote()
	case wire.MsgInterested:
		c.peerInterested = true
	case wire.MsgNotInterested:
		c.peerInterested = false
	case wire.MsgBitfield:
		c.availability.set(wire.DecodeBitfield(m.Bitfield, len(m.Bitfield)*8))
	case wire.MsgHave:
		c.availability.add(m.Index)
	case wire.MsgPiece:
		r := wire.Request{Index: m.Index, Begin: m.Begin, Length: uint32(len(m.Piece))}
		if !c.pending.Remove(r) {
			return fmt.Errorf("%w: %s", ErrUnexpectedPiece, r)
		}
		c.events <- Downloaded{Request: r, Bytes: m.Piece}
		return c.promote()
	default:
		// Request, Cancel, Port, extensions: we only download
	}
	return nil
}

// promote moves the head of the queue onto the wire. Declares interest
// first, stops while choked.
func (c *Conn) promote() error {
	if err := c.sendInterested(); err != nil {
		return err
	}
	if c.peerChoking {
		return nil
	}
	r, ok := c.queue.PopHead()
	if !ok {
		return nil
	}
	c.pending.PushTail(r)
	if err := c.send(wire.Message{ID: wire.MsgRequest, Index: r.Index, Begin: r.Begin, Length: r.Length}); err != nil {
		return err
	}
	c.schedule(c.cfg.CheckRequestTimeout, command{kind: cmdCheckRequest, req: r})
	return nil
}

func (c *Conn) sendInterested() error {
	if c.amInterested {
		return nil
	}
	if err := c.send(wire.Message{ID: wire.MsgInterested}); err != nil {
		return err
	}
	c.amInterested = true
	return nil
}

func (c *Conn) send(m wire.Message) error {
	c.sock.SetWriteDeadline(c.cfg.Now().Add(c.cfg.WriteTimeout))
	_, err := c.sock.Write(m.Marshal())
	return err
}
