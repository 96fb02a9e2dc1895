package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
)

const defaultQueryTimeout = 5 * time.Second

// Client speaks KRPC over a single UDP socket. Outbound queries get a
// fresh transaction id and wait on a per-transaction channel, the read
// loop demultiplexes replies back to them. Incoming queries are answered
// from the routing table after inserting the querying node.
type Client struct {
	self    ID
	table   *Table
	conn    *net.UDPConn
	logger  log.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan queryResult
	nextTID uint32

	closed chansync.SetOnce
}

type queryResult struct {
	resp Response
	err  error
}

func NewClient(self ID, table *Table, conn *net.UDPConn, logger log.Logger) *Client {
	return &Client{
		self:    self,
		table:   table,
		conn:    conn,
		logger:  logger,
		timeout: defaultQueryTimeout,
		pending: map[string]chan queryResult{},
	}
}

func (c *Client) Ping(ctx context.Context, addr *net.UDPAddr) (Response, error) {
	return c.query(ctx, addr, QueryPing, nil, nil)
}

func (c *Client) FindNode(ctx context.Context, addr *net.UDPAddr, target ID) (Response, error) {
	return c.query(ctx, addr, QueryFindNode, &target, nil)
}

func (c *Client) GetPeers(ctx context.Context, addr *net.UDPAddr, infohash ID) (Response, error) {
	return c.query(ctx, addr, QueryGetPeers, nil, &infohash)
}

// Close stops the read loop and resolves every in-flight query with
// ErrClosed so no waiter leaks.
func (c *Client) Close() error {
	if !c.closed.Set() {
		return nil
	}
	err := c.conn.Close()
	c.mu.Lock()
	for tid, ch := range c.pending {
		ch <- queryResult{err: ErrClosed}
		delete(c.pending, tid)
	}
	c.mu.Unlock()
	return err
}

// newTID yields a two byte transaction id from a counter. Concurrent
// queries to the same endpoint must not alias, a fixed id would.
func (c *Client) newTID() string {
	c.nextTID++
	return string([]byte{byte(c.nextTID >> 8), byte(c.nextTID)})
}

func (c *Client) query(ctx context.Context, addr *net.UDPAddr, name string, target, infohash *ID) (Response, error) {
	ch := make(chan queryResult, 1)
	c.mu.Lock()
	tid := c.newTID()
	c.pending[tid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, tid)
		c.mu.Unlock()
	}()

	b, err := marshalQuery(tid, name, c.self, target, infohash)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.conn.WriteToUDP(b, addr); err != nil {
		return Response{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-timer.C:
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.closed.Done():
		return Response{}, ErrClosed
	}
}

// Serve runs the read loop until Close. Malformed datagrams are logged
// and dropped, they never take the loop down.
func (c *Client) Serve() error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.closed.IsSet() {
				return nil
			}
			return err
		}
		var m krpcMsg
		if err := bencode.Unmarshal(buf[:n], &m); err != nil {
			c.logger.Printf("dropping malformed datagram from %s: %v", addr, err)
			continue
		}
		switch m.Y {
		case "q":
			c.handleQuery(m, addr)
		case "r":
			resp, err := parseReturn(m.R)
			c.resolve(m.T, queryResult{resp: resp, err: err})
		case "e":
			c.resolve(m.T, queryResult{err: parseError(m.E)})
		default:
			c.logger.Printf("dropping message with y=%q from %s", m.Y, addr)
		}
	}
}

func (c *Client) resolve(tid string, r queryResult) {
	c.mu.Lock()
	ch, ok := c.pending[tid]
	if ok {
		delete(c.pending, tid)
	}
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

// handleQuery answers a remote query. The querying node goes into the
// routing table first. We are a DHT participant, not a tracker: get_peers
// always answers with nodes, never values.
func (c *Client) handleQuery(m krpcMsg, addr *net.UDPAddr) {
	if m.A == nil {
		c.sendError(m.T, addr, 203, "query without arguments")
		return
	}
	queryingID, err := parseID(m.A.ID)
	if err != nil {
		c.sendError(m.T, addr, 203, "bad id")
		return
	}
	if info, ok := nodeInfoFromUDP(queryingID, addr); ok {
		c.table.Insert(info)
	}

	switch m.Q {
	case QueryPing:
		c.send(m.T, addr, nil)
	case QueryFindNode:
		target, err := parseID(m.A.Target)
		if err != nil {
			c.sendError(m.T, addr, 203, "bad target")
			return
		}
		c.send(m.T, addr, c.table.FindBucket(target))
	case QueryGetPeers:
		infohash, err := parseID(m.A.InfoHash)
		if err != nil {
			c.sendError(m.T, addr, 203, "bad info_hash")
			return
		}
		c.send(m.T, addr, c.table.FindBucket(infohash))
	default:
		c.sendError(m.T, addr, 204, "method unknown")
	}
}

func (c *Client) send(tid string, addr *net.UDPAddr, nodes []NodeInfo) {
	b, err := marshalResponse(tid, c.self, nodes)
	if err != nil {
		c.logger.Printf("encoding response: %v", err)
		return
	}
	c.conn.WriteToUDP(b, addr)
}

func (c *Client) sendError(tid string, addr *net.UDPAddr, code int64, reason string) {
	b, err := marshalError(tid, code, reason)
	if err != nil {
		return
	}
	c.conn.WriteToUDP(b, addr)
}

func nodeInfoFromUDP(id ID, addr *net.UDPAddr) (NodeInfo, bool) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return NodeInfo{}, false
	}
	info := NodeInfo{ID: id}
	copy(info.Addr.IP[:], ip4)
	info.Addr.Port = uint16(addr.Port)
	return info, true
}
