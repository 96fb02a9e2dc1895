package dht

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/anacrolix/log"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// DefaultBootstrap is the well known entry point into the DHT.
const DefaultBootstrap = "router.bittorrent.com:6881"

const reseedWait = 10 * time.Second

// Discovery runs iterative get_peers walks, one outstanding query at a
// time per walk, and streams deduplicated peer addresses to the consumer.
type Discovery struct {
	client    *Client
	bootstrap string
	logger    log.Logger
}

func NewDiscovery(client *Client, bootstrap string, logger log.Logger) *Discovery {
	if bootstrap == "" {
		bootstrap = DefaultBootstrap
	}
	return &Discovery{client: client, bootstrap: bootstrap, logger: logger}
}

// Discover starts a walk for infohash. The returned stream is potentially
// infinite, the consumer stops it by cancelling ctx. Individual query
// failures are logged and skipped, the walk never aborts on them.
func (d *Discovery) Discover(ctx context.Context, infohash ID) <-chan wire.PeerInfo {
	out := make(chan wire.PeerInfo)
	go func() {
		defer close(out)
		d.run(ctx, infohash, out)
	}()
	return out
}

func (d *Discovery) run(ctx context.Context, infohash ID, out chan<- wire.PeerInfo) {
	candidates := newCandidateSet()
	seenPeers := map[wire.PeerInfo]struct{}{}

	if !d.seed(ctx, candidates) {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		node, ok := candidates.popHead()
		if !ok {
			select {
			case <-time.After(reseedWait):
			case <-ctx.Done():
				return
			}
			// start the walk over, seenPeers still dedups the output
			candidates = newCandidateSet()
			if !d.seed(ctx, candidates) {
				return
			}
			continue
		}

		resp, err := d.client.GetPeers(ctx, node.Addr.UDPAddr(), infohash)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Printf("get_peers %s: %v", node.Addr.Addr(), err)
			d.client.table.UpdateGoodness(nil, []ID{node.ID})
			continue
		}
		d.client.table.Insert(node)

		for _, p := range resp.Peers {
			if _, ok := seenPeers[p]; ok {
				continue
			}
			seenPeers[p] = struct{}{}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
		if len(resp.Nodes) > 0 {
			candidates.prependSorted(resp.Nodes, infohash)
		}
	}
}

// seed fills the candidate set by pinging the bootstrap node until it
// answers.
func (d *Discovery) seed(ctx context.Context, candidates *candidateSet) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		addr, err := net.ResolveUDPAddr("udp4", d.bootstrap)
		if err != nil {
			d.logger.Printf("resolving bootstrap %s: %v", d.bootstrap, err)
		} else if resp, err := d.client.Ping(ctx, addr); err != nil {
			d.logger.Printf("bootstrap ping: %v", err)
		} else {
			if info, ok := nodeInfoFromUDP(resp.ID, addr); ok {
				candidates.pushTail(info)
			}
			return true
		}
		select {
		case <-time.After(reseedWait):
		case <-ctx.Done():
			return false
		}
	}
}

// candidateSet is an insertion ordered set of nodes keyed by id.
type candidateSet struct {
	order []NodeInfo
	seen  map[ID]struct{}
}

func newCandidateSet() *candidateSet {
	return &candidateSet{seen: map[ID]struct{}{}}
}

func (s *candidateSet) pushTail(n NodeInfo) {
	if _, ok := s.seen[n.ID]; ok {
		return
	}
	s.seen[n.ID] = struct{}{}
	s.order = append(s.order, n)
}

// prependSorted puts nodes at the head, closest to target first.
func (s *candidateSet) prependSorted(nodes []NodeInfo, target ID) {
	fresh := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := s.seen[n.ID]; ok {
			continue
		}
		s.seen[n.ID] = struct{}{}
		fresh = append(fresh, n)
	}
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].ID.Distance(target).Cmp(fresh[j].ID.Distance(target)) < 0
	})
	s.order = append(fresh, s.order...)
}

func (s *candidateSet) popHead() (NodeInfo, bool) {
	if len(s.order) == 0 {
		return NodeInfo{}, false
	}
	n := s.order[0]
	s.order = s.order[1:]
	return n, true
}
