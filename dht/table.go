package dht

import (
	"math/big"
	"sync/atomic"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// MaxNodes is the bucket capacity, k=8 per BEP-5.
const MaxNodes = 8

// Node is a routing table entry. Good means the node answered recently.
type Node struct {
	Info NodeInfo
	Good bool
}

// The table is a binary trie whose leaves are buckets. Each bucket covers
// ids in [from, until). Only the bucket holding our own id splits when full,
// so the trie stays deep near us and shallow far away.
type treeNode interface {
	isTree()
}

type bucket struct {
	from, until *big.Int
	nodes       []Node // insertion ordered, ids unique
}

type split struct {
	center        *big.Int
	lower, higher treeNode // [from, center) and [center, until)
}

func (*bucket) isTree() {}
func (*split) isTree()  {}

var idSpace = new(big.Int).Lsh(big.NewInt(1), 160)

func newRoot() treeNode {
	return &bucket{from: big.NewInt(0), until: idSpace}
}

// All tree operations are functional: they return a new tree sharing
// untouched branches with the old one, so readers of a published root
// always observe a consistent snapshot.

func (b *bucket) contains(id *big.Int) bool {
	return b.from.Cmp(id) <= 0 && id.Cmp(b.until) < 0
}

func insertNode(t treeNode, n Node, self *big.Int) treeNode {
	switch v := t.(type) {
	case *split:
		if n.Info.ID.Int().Cmp(v.center) < 0 {
			return &split{center: v.center, lower: insertNode(v.lower, n, self), higher: v.higher}
		}
		return &split{center: v.center, lower: v.lower, higher: insertNode(v.higher, n, self)}
	case *bucket:
		for i, existing := range v.nodes {
			if existing.Info.ID == n.Info.ID {
				nodes := make([]Node, len(v.nodes))
				copy(nodes, v.nodes)
				nodes[i] = Node{Info: n.Info, Good: true}
				return &bucket{from: v.from, until: v.until, nodes: nodes}
			}
		}
		if len(v.nodes) < MaxNodes {
			nodes := make([]Node, len(v.nodes), len(v.nodes)+1)
			copy(nodes, v.nodes)
			return &bucket{from: v.from, until: v.until, nodes: append(nodes, n)}
		}
		if v.contains(self) {
			return insertNode(splitBucket(v), n, self)
		}
		// full and not ours: evict one bad node, else drop the newcomer
		for i, existing := range v.nodes {
			if !existing.Good {
				nodes := make([]Node, 0, MaxNodes)
				nodes = append(nodes, v.nodes[:i]...)
				nodes = append(nodes, v.nodes[i+1:]...)
				nodes = append(nodes, n)
				return &bucket{from: v.from, until: v.until, nodes: nodes}
			}
		}
		return v
	}
	return t
}

func splitBucket(b *bucket) *split {
	center := new(big.Int).Add(b.from, b.until)
	center.Rsh(center, 1)
	lower := &bucket{from: b.from, until: center}
	higher := &bucket{from: center, until: b.until}
	for _, n := range b.nodes {
		if n.Info.ID.Int().Cmp(center) < 0 {
			lower.nodes = append(lower.nodes, n)
		} else {
			higher.nodes = append(higher.nodes, n)
		}
	}
	return &split{center: center, lower: lower, higher: higher}
}

func removeNode(t treeNode, id ID) treeNode {
	switch v := t.(type) {
	case *split:
		var lower, higher treeNode
		if id.Int().Cmp(v.center) < 0 {
			lower, higher = removeNode(v.lower, id), v.higher
		} else {
			lower, higher = v.lower, removeNode(v.higher, id)
		}
		// collapse an emptied half back into its sibling bucket
		lb, lok := lower.(*bucket)
		hb, hok := higher.(*bucket)
		if lok && hok {
			if len(lb.nodes) == 0 {
				return &bucket{from: lb.from, until: hb.until, nodes: hb.nodes}
			}
			if len(hb.nodes) == 0 {
				return &bucket{from: lb.from, until: hb.until, nodes: lb.nodes}
			}
		}
		return &split{center: v.center, lower: lower, higher: higher}
	case *bucket:
		for i, n := range v.nodes {
			if n.Info.ID == id {
				nodes := make([]Node, 0, len(v.nodes)-1)
				nodes = append(nodes, v.nodes[:i]...)
				nodes = append(nodes, v.nodes[i+1:]...)
				return &bucket{from: v.from, until: v.until, nodes: nodes}
			}
		}
		return v
	}
	return t
}

func findLeaf(t treeNode, target *big.Int) *bucket {
	for {
		switch v := t.(type) {
		case *split:
			if target.Cmp(v.center) < 0 {
				t = v.lower
			} else {
				t = v.higher
			}
		case *bucket:
			return v
		}
	}
}

func rewriteGoodness(t treeNode, good, bad map[ID]struct{}) treeNode {
	switch v := t.(type) {
	case *split:
		return &split{
			center: v.center,
			lower:  rewriteGoodness(v.lower, good, bad),
			higher: rewriteGoodness(v.higher, good, bad),
		}
	case *bucket:
		nodes := make([]Node, len(v.nodes))
		copy(nodes, v.nodes)
		for i, n := range nodes {
			if _, ok := good[n.Info.ID]; ok {
				nodes[i].Good = true
			} else if _, ok := bad[n.Info.ID]; ok {
				nodes[i].Good = false
			}
		}
		return &bucket{from: v.from, until: v.until, nodes: nodes}
	}
	return t
}

type tableState struct {
	root  treeNode
	peers map[ID]map[wire.PeerInfo]struct{}
}

// Table is the routing table plus the infohash to peers index. A single
// atomic cell holds the current state, writers copy and swap, readers
// load a snapshot. Operations never fail, overflow evicts or drops.
type Table struct {
	self  ID
	state atomic.Pointer[tableState]
}

func NewTable(self ID) *Table {
	t := &Table{self: self}
	t.state.Store(&tableState{
		root:  newRoot(),
		peers: map[ID]map[wire.PeerInfo]struct{}{},
	})
	return t
}

func (t *Table) Self() ID { return t.self }

func (t *Table) swap(f func(*tableState) *tableState) {
	for {
		old := t.state.Load()
		if t.state.CompareAndSwap(old, f(old)) {
			return
		}
	}
}

// Insert adds or refreshes a node. A known id gets its address overwritten
// and is marked good again.
func (t *Table) Insert(info NodeInfo) {
	self := t.self.Int()
	t.swap(func(s *tableState) *tableState {
		return &tableState{
			root:  insertNode(s.root, Node{Info: info, Good: true}, self),
			peers: s.peers,
		}
	})
}

func (t *Table) Remove(id ID) {
	t.swap(func(s *tableState) *tableState {
		return &tableState{root: removeNode(s.root, id), peers: s.peers}
	})
}

// UpdateGoodness rewrites liveness in one pass, good wins over bad when an
// id appears in both.
func (t *Table) UpdateGoodness(goodIDs, badIDs []ID) {
	good := make(map[ID]struct{}, len(goodIDs))
	for _, id := range goodIDs {
		good[id] = struct{}{}
	}
	bad := make(map[ID]struct{}, len(badIDs))
	for _, id := range badIDs {
		bad[id] = struct{}{}
	}
	t.swap(func(s *tableState) *tableState {
		return &tableState{root: rewriteGoodness(s.root, good, bad), peers: s.peers}
	})
}

// FindBucket returns the good nodes of the bucket covering target, the
// nodes sharing the most id prefix with it.
func (t *Table) FindBucket(target ID) []NodeInfo {
	leaf := findLeaf(t.state.Load().root, target.Int())
	out := make([]NodeInfo, 0, len(leaf.nodes))
	for _, n := range leaf.nodes {
		if n.Good {
			out = append(out, n.Info)
		}
	}
	return out
}

// FindNodes walks the whole table lazily, buckets nearest target first.
func (t *Table) FindNodes(target ID) *NodeIter {
	return &NodeIter{target: target.Int(), stack: []treeNode{t.state.Load().root}}
}

// AllNodes snapshots every entry, good or bad, for callers that persist
// the table across restarts.
func (t *Table) AllNodes() []NodeInfo {
	var out []NodeInfo
	var walk func(treeNode)
	walk = func(tn treeNode) {
		switch v := tn.(type) {
		case *split:
			walk(v.lower)
			walk(v.higher)
		case *bucket:
			for _, n := range v.nodes {
				out = append(out, n.Info)
			}
		}
	}
	walk(t.state.Load().root)
	return out
}

// NodeIter yields good nodes in target-branch-first depth order over a
// snapshot of the table.
type NodeIter struct {
	target *big.Int
	stack  []treeNode
	buf    []Node
}

func (it *NodeIter) Next() (NodeInfo, bool) {
	for {
		for len(it.buf) > 0 {
			n := it.buf[0]
			it.buf = it.buf[1:]
			if n.Good {
				return n.Info, true
			}
		}
		if len(it.stack) == 0 {
			return NodeInfo{}, false
		}
		top := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]
		switch v := top.(type) {
		case *split:
			// push the far half first so the near half pops next
			if it.target.Cmp(v.center) < 0 {
				it.stack = append(it.stack, v.higher, v.lower)
			} else {
				it.stack = append(it.stack, v.lower, v.higher)
			}
		case *bucket:
			it.buf = v.nodes
		}
	}
}

// AddPeer records a peer for an infohash. The index is append only.
func (t *Table) AddPeer(infohash ID, p wire.PeerInfo) {
	t.swap(func(s *tableState) *tableState {
		if _, ok := s.peers[infohash][p]; ok {
			return s
		}
		peers := make(map[ID]map[wire.PeerInfo]struct{}, len(s.peers))
		for k, v := range s.peers {
			peers[k] = v
		}
		set := make(map[wire.PeerInfo]struct{}, len(s.peers[infohash])+1)
		for k := range s.peers[infohash] {
			set[k] = struct{}{}
		}
		set[p] = struct{}{}
		peers[infohash] = set
		return &tableState{root: s.root, peers: peers}
	})
}

func (t *Table) FindPeers(infohash ID) ([]wire.PeerInfo, bool) {
	set, ok := t.state.Load().peers[infohash]
	if !ok {
		return nil, false
	}
	out := make([]wire.PeerInfo, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out, true
}
