package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	alog "github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/TorrentDamDev/bittorrent/dht"
)

//the Engine drives the DHT node and every active swarm
type Engine struct {
	sync.RWMutex
	config    Config
	peerID    [20]byte
	table     *dht.Table
	client    *dht.Client
	discovery *dht.Discovery
	limiter   *rate.Limiter
	dhtLogger alog.Logger

	swarms   map[string]*Swarm
	waitList *syncList

	ctx    context.Context
	cancel context.CancelFunc
}

func New() *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		peerID:   newPeerID(),
		swarms:   map[string]*Swarm{},
		waitList: newSyncList(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (e *Engine) Config() Config {
	e.RLock()
	defer e.RUnlock()
	return e.config
}

// Configure (re)builds the DHT node. Running swarms are stopped first, a
// reconfigure is a restart.
func (e *Engine) Configure(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()

	if e.client != nil {
		for _, s := range e.swarms {
			if s.Started {
				s.stop()
			}
		}
		e.client.Close()
		time.Sleep(100 * time.Millisecond)
	}

	selfID := dht.RandomID()
	if c.NodeID != "" {
		var err error
		if selfID, err = dht.IDFromHex(c.NodeID); err != nil {
			return fmt.Errorf("bad NodeID: %w", err)
		}
	}

	limiter, err := rateLimiter(c.DownloadRate)
	if err != nil {
		return fmt.Errorf("bad DownloadRate: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: c.ListenPort})
	if err != nil {
		return err
	}

	e.dhtLogger = alog.Default
	if c.MuteDhtLog {
		e.dhtLogger = alog.Discard
	}
	e.table = dht.NewTable(selfID)
	e.client = dht.NewClient(selfID, e.table, conn, e.dhtLogger)
	e.discovery = dht.NewDiscovery(e.client, c.BootstrapNode, e.dhtLogger)
	e.limiter = limiter
	e.config = c
	go func(cl *dht.Client) {
		if err := cl.Serve(); err != nil {
			log.Println("dht client stopped:", err)
		}
	}(e.client)
	log.Printf("dht node %v listening on udp:%d", selfID, c.ListenPort)
	return nil
}

// NewSwarm registers an infohash for download. A nil geometry starts a
// discovery-only swarm, we can find and hold peers but have nothing to
// request without the piece layout.
func (e *Engine) NewSwarm(hexInfohash string, geo *Geometry) error {
	infohash, err := dht.IDFromHex(hexInfohash)
	if err != nil {
		return fmt.Errorf("bad infohash: %w", err)
	}
	e.Lock()
	defer e.Unlock()
	if e.client == nil {
		return fmt.Errorf("engine not configured")
	}
	if _, ok := e.swarms[hexInfohash]; ok {
		return nil
	}
	s := newSwarm(e, infohash, geo)
	e.swarms[hexInfohash] = s

	if e.activeSwarms() >= e.config.MaxSwarms {
		log.Println("queued", hexInfohash, "waiting for a free slot")
		e.waitList.Push(hexInfohash)
		return nil
	}
	s.start(e.ctx)
	log.Println("started swarm", hexInfohash)
	return nil
}

// caller holds the lock
func (e *Engine) activeSwarms() int {
	n := 0
	for _, s := range e.swarms {
		if s.Started {
			n++
		}
	}
	return n
}

func (e *Engine) StartSwarm(hexInfohash string) error {
	e.Lock()
	defer e.Unlock()
	s, ok := e.swarms[hexInfohash]
	if !ok {
		return fmt.Errorf("missing swarm %s", hexInfohash)
	}
	if s.Started {
		return nil
	}
	if e.activeSwarms() >= e.config.MaxSwarms {
		e.waitList.Push(hexInfohash)
		return nil
	}
	s.start(e.ctx)
	return nil
}

func (e *Engine) StopSwarm(hexInfohash string) error {
	e.Lock()
	s, ok := e.swarms[hexInfohash]
	if !ok {
		e.Unlock()
		return fmt.Errorf("missing swarm %s", hexInfohash)
	}
	s.stop()
	e.waitList.Remove(hexInfohash)
	e.Unlock()

	e.nextWaiting()
	return nil
}

// nextWaiting starts the oldest queued swarm if a slot is free.
func (e *Engine) nextWaiting() {
	e.Lock()
	defer e.Unlock()
	if e.activeSwarms() >= e.config.MaxSwarms {
		return
	}
	ih, ok := e.waitList.Pop()
	if !ok {
		return
	}
	if s, found := e.swarms[ih]; found && !s.Started {
		s.start(e.ctx)
		log.Println("started queued swarm", ih)
	}
}

// GetSwarms snapshots the swarm map for status readers.
func (e *Engine) GetSwarms() map[string]*Swarm {
	e.RLock()
	defer e.RUnlock()
	out := make(map[string]*Swarm, len(e.swarms))
	for k, v := range e.swarms {
		out[k] = v
	}
	return out
}

// Nodes snapshots the routing table for persistence across restarts.
func (e *Engine) Nodes() []dht.NodeInfo {
	e.RLock()
	defer e.RUnlock()
	if e.table == nil {
		return nil
	}
	return e.table.AllNodes()
}

// RunProgressLog prints one line per active swarm every interval until
// the engine closes.
func (e *Engine) RunProgressLog(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for ih, s := range e.GetSwarms() {
				if !s.Started {
					continue
				}
				total := int64(0)
				if s.picker != nil {
					total = s.picker.geo.TotalLength
				}
				log.Println(ih, progressLine(s.Downloaded, total, s.PeerCount))
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) Close() {
	e.cancel()
	e.Lock()
	defer e.Unlock()
	for _, s := range e.swarms {
		if s.Started {
			s.stop()
		}
	}
	if e.client != nil {
		e.client.Close()
	}
}

// newPeerID builds the client id: '-TD0001-' then 12 random bytes.
func newPeerID() [20]byte {
	id := [20]byte{'-', 'T', 'D', '0', '0', '0', '1', '-'}
	rand.Read(id[8:])
	return id
}
