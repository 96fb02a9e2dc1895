package engine

import (
	"context"
	"sync"
	"time"

	"github.com/TorrentDamDev/bittorrent/dht"
	"github.com/TorrentDamDev/bittorrent/peer"
	"github.com/TorrentDamDev/bittorrent/wire"
)

// how many requests one connection keeps on the wire
const pipelineDepth = 5

// Swarm is one infohash being downloaded: a discovery walk feeding peer
// connections that drain the shared picker.
type Swarm struct {
	InfoHash dht.ID

	// status, read by callers polling progress
	Started    bool
	Done       bool
	Downloaded int64
	PeerCount  int
	AddedAt    time.Time
	StartedAt  time.Time

	picker *sequentialPicker
	e      *Engine
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*peer.Conn
}

func newSwarm(e *Engine, infohash dht.ID, geo *Geometry) *Swarm {
	s := &Swarm{
		InfoHash: infohash,
		AddedAt:  time.Now(),
		e:        e,
		conns:    map[string]*peer.Conn{},
	}
	if geo != nil {
		s.picker = NewSequentialPicker(*geo)
		s.picker.OnPiece = func(index uint32, data []byte) {
			log.Printf("piece %d complete (%d bytes) %v", index, len(data), infohash)
		}
		s.picker.OnError = func(index uint32, err error) {
			log.Printf("piece %d: %v %v", index, err, infohash)
		}
	}
	return s
}

func (s *Swarm) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.Started = true
	s.StartedAt = time.Now()
	go s.run(ctx)
}

func (s *Swarm) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.Started = false
}

// run consumes the discovery stream and dials each new peer until the
// connection budget is spent. Slots free up as peers disconnect.
func (s *Swarm) run(ctx context.Context) {
	stream := s.e.discovery.Discover(ctx, s.InfoHash)
	for {
		select {
		case p, ok := <-stream:
			if !ok {
				return
			}
			if !s.claimSlot(p) {
				continue
			}
			go s.dialPeer(ctx, p)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Swarm) claimSlot(p wire.PeerInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) >= s.e.Config().MaxPeers {
		return false
	}
	if _, ok := s.conns[p.Addr()]; ok {
		return false
	}
	s.conns[p.Addr()] = nil // reserved while dialing
	s.PeerCount = len(s.conns)
	return true
}

func (s *Swarm) releaseSlot(addr string) {
	s.mu.Lock()
	delete(s.conns, addr)
	s.PeerCount = len(s.conns)
	s.mu.Unlock()
}

func (s *Swarm) dialPeer(ctx context.Context, p wire.PeerInfo) {
	c, err := peer.Dial(s.e.peerID, [20]byte(s.InfoHash), p, peer.Config{
		DownloadLimiter: s.e.limiter,
	})
	if err != nil {
		if s.e.Config().EngineDebug {
			log.Printf("dial %s: %v", p.Addr(), err)
		}
		s.releaseSlot(p.Addr())
		return
	}
	s.mu.Lock()
	s.conns[p.Addr()] = c
	s.mu.Unlock()

	served := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-served:
		}
	}()
	s.servePeer(c, p.Addr())
	close(served)
	s.releaseSlot(p.Addr())
}

// servePeer keeps the connection's pipeline topped up and feeds results
// back to the picker. Without a geometry we only hold the connection and
// stay interested.
func (s *Swarm) servePeer(c *peer.Conn, addr string) {
	c.Interested()
	outstanding := 0

	topUp := func() {
		if s.picker == nil {
			return
		}
		for outstanding < pipelineDepth {
			r, ok := s.picker.Pick(c.Availability(), addr)
			if !ok {
				return
			}
			c.Enqueue(r)
			outstanding++
		}
	}
	topUp()

	// availability often arrives after the handshake, retry periodically
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case peer.Downloaded:
				outstanding--
				s.picker.Complete(ev.Request, ev.Bytes)
				s.updateProgress()
				topUp()
			case peer.Disconnected:
				if s.picker != nil {
					for _, r := range ev.Unfinished {
						s.picker.Unpick(r)
					}
				}
				if s.e.Config().EngineDebug {
					log.Printf("peer %s gone: %v", addr, ev.Reason)
				}
				return
			}
		case <-ticker.C:
			topUp()
		}
	}
}

func (s *Swarm) updateProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloaded = s.picker.DownloadedBytes()
	if s.picker.Done() && !s.Done {
		s.Done = true
		log.Println("download complete", s.InfoHash)
	}
}
