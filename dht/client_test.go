package dht

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
)

func newTestClient(t *testing.T, self ID) (*Client, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(self, NewTable(self), conn, log.Default)
	go c.Serve()
	t.Cleanup(func() { c.Close() })
	return c, conn.LocalAddr().(*net.UDPAddr)
}

func Test_Client_pingInsertsQuerier(t *testing.T) {
	a, _ := newTestClient(t, testID('a'))
	b, bAddr := newTestClient(t, testID('b'))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := a.Ping(ctx, bAddr)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if resp.ID != testID('b') {
		t.Errorf("Ping() id = %v, want b's id", resp.ID)
	}
	// b saw a's query and must have inserted it
	nodes := b.table.AllNodes()
	if len(nodes) != 1 || nodes[0].ID != testID('a') {
		t.Errorf("b's table = %v, want just a", nodes)
	}
}

func Test_Client_findNodeAndGetPeers(t *testing.T) {
	a, _ := newTestClient(t, testID('a'))
	b, bAddr := newTestClient(t, testID('b'))

	known := nodeInfo(testID('k'), 4242)
	b.table.Insert(known)
	// the peer index must never leak through get_peers, we are not a
	// tracker
	b.table.AddPeer(testID('h'), known.Addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := a.FindNode(ctx, bAddr, testID('k'))
	if err != nil {
		t.Fatalf("FindNode() error = %v", err)
	}
	if len(resp.Nodes) == 0 || resp.Nodes[0].ID != testID('k') {
		t.Errorf("FindNode() nodes = %v", resp.Nodes)
	}

	resp, err = a.GetPeers(ctx, bAddr, testID('h'))
	if err != nil {
		t.Fatalf("GetPeers() error = %v", err)
	}
	if len(resp.Peers) != 0 {
		t.Errorf("GetPeers() returned peers %v, want none", resp.Peers)
	}
	if len(resp.Nodes) == 0 {
		t.Error("GetPeers() should answer with nodes")
	}
}

func Test_Client_timeout(t *testing.T) {
	a, _ := newTestClient(t, testID('a'))
	a.timeout = 50 * time.Millisecond

	// nobody is listening here
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.LocalAddr().(*net.UDPAddr)
	dead.Close()

	if _, err := a.Ping(context.Background(), deadAddr); !errors.Is(err, ErrTimeout) {
		t.Errorf("Ping() error = %v, want ErrTimeout", err)
	}
}

func Test_Client_remoteError(t *testing.T) {
	a, _ := newTestClient(t, testID('a'))

	// a bare responder that answers every query with a KRPC error
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var m krpcMsg
			if bencode.Unmarshal(buf[:n], &m) != nil {
				continue
			}
			reply, _ := marshalError(m.T, 202, "Server Error")
			conn.WriteToUDP(reply, addr)
		}
	}()

	_, err = a.Ping(context.Background(), conn.LocalAddr().(*net.UDPAddr))
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != 202 {
		t.Errorf("Ping() error = %v, want RemoteError 202", err)
	}
}

func Test_Client_concurrentQueriesDoNotAlias(t *testing.T) {
	a, _ := newTestClient(t, testID('a'))

	// answers every query with the queried-for target as its own id, out
	// of order, so correlation must go by transaction id
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	go func() {
		buf := make([]byte, 65536)
		var held []krpcMsg
		var heldAddr *net.UDPAddr
		for len(held) < 2 {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var m krpcMsg
			if bencode.Unmarshal(buf[:n], &m) != nil {
				continue
			}
			held = append(held, m)
			heldAddr = from
		}
		// reply in reverse arrival order, echoing the target as the id
		for i := len(held) - 1; i >= 0; i-- {
			var echo ID
			copy(echo[:], held[i].A.Target)
			reply, _ := bencode.Marshal(krpcMsg{T: held[i].T, Y: "r", R: &krpcReturn{ID: string(echo[:])}})
			conn.WriteToUDP(reply, heldAddr)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type result struct {
		want ID
		resp Response
		err  error
	}
	results := make(chan result, 2)
	for _, target := range []ID{testID('1'), testID('2')} {
		go func(target ID) {
			resp, err := a.FindNode(ctx, addr, target)
			results <- result{want: target, resp: resp, err: err}
		}(target)
	}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("FindNode() error = %v", r.err)
		}
		if r.resp.ID != r.want {
			t.Errorf("response id = %v, want %v: transaction ids aliased", r.resp.ID, r.want)
		}
	}
}

func Test_Client_closeResolvesWaiters(t *testing.T) {
	a, _ := newTestClient(t, testID('a'))
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.LocalAddr().(*net.UDPAddr)
	defer dead.Close()

	done := make(chan error, 1)
	go func() {
		_, err := a.Ping(context.Background(), deadAddr)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	a.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Ping() after Close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Error("waiter leaked after Close")
	}
}
