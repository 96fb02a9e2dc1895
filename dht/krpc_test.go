package dht

import (
	"reflect"
	"testing"

	"github.com/anacrolix/torrent/bencode"

	"github.com/TorrentDamDev/bittorrent/wire"
)

func testID(b byte) ID {
	var id ID
	for i := range id {
		id[i] = b
	}
	return id
}

func testIDStr(b byte) string {
	id := testID(b)
	return string(id[:])
}

func Test_marshalQuery_wireBytes(t *testing.T) {
	self := testID('s')
	b, err := marshalQuery("aa", QueryPing, self, nil, nil)
	if err != nil {
		t.Fatalf("marshalQuery() error = %v", err)
	}
	want := "d1:ad2:id20:sssssssssssssssssssse1:q4:ping1:t2:aa1:y1:qe"
	if string(b) != want {
		t.Errorf("marshalQuery() = %q, want %q", b, want)
	}
}

func Test_query_roundtrip(t *testing.T) {
	self := testID('s')
	target := testID('t')
	infohash := testID('i')
	tests := []struct {
		name     string
		raw      func() ([]byte, error)
		wantQ    string
		wantArgs krpcArgs
	}{
		{"ping", func() ([]byte, error) { return marshalQuery("01", QueryPing, self, nil, nil) },
			QueryPing, krpcArgs{ID: string(self[:])}},
		{"find_node", func() ([]byte, error) { return marshalQuery("02", QueryFindNode, self, &target, nil) },
			QueryFindNode, krpcArgs{ID: string(self[:]), Target: string(target[:])}},
		{"get_peers", func() ([]byte, error) { return marshalQuery("03", QueryGetPeers, self, nil, &infohash) },
			QueryGetPeers, krpcArgs{ID: string(self[:]), InfoHash: string(infohash[:])}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.raw()
			if err != nil {
				t.Fatalf("marshal error = %v", err)
			}
			var m krpcMsg
			if err := bencode.Unmarshal(raw, &m); err != nil {
				t.Fatalf("bencode.Unmarshal() error = %v", err)
			}
			if m.Y != "q" || m.Q != tt.wantQ {
				t.Errorf("got y=%q q=%q", m.Y, m.Q)
			}
			if m.A == nil || !reflect.DeepEqual(*m.A, tt.wantArgs) {
				t.Errorf("args = %+v, want %+v", m.A, tt.wantArgs)
			}
		})
	}
}

func Test_response_roundtrip(t *testing.T) {
	self := testID('r')
	nodes := []NodeInfo{
		{ID: testID('n'), Addr: wire.PeerInfo{IP: [4]byte{9, 8, 7, 6}, Port: 6881}},
	}
	raw, err := marshalResponse("ab", self, nodes)
	if err != nil {
		t.Fatalf("marshalResponse() error = %v", err)
	}
	var m krpcMsg
	if err := bencode.Unmarshal(raw, &m); err != nil {
		t.Fatalf("bencode.Unmarshal() error = %v", err)
	}
	if m.T != "ab" || m.Y != "r" {
		t.Fatalf("got t=%q y=%q", m.T, m.Y)
	}
	resp, err := parseReturn(m.R)
	if err != nil {
		t.Fatalf("parseReturn() error = %v", err)
	}
	if resp.ID != self || !reflect.DeepEqual(resp.Nodes, nodes) {
		t.Errorf("parseReturn() = %+v", resp)
	}
}

func Test_parseReturn_values(t *testing.T) {
	peers := []wire.PeerInfo{
		{IP: [4]byte{1, 1, 1, 1}, Port: 10},
		{IP: [4]byte{2, 2, 2, 2}, Port: 20},
	}
	xid := testID('x')
	r := &krpcReturn{
		ID: string(xid[:]),
		Values: []string{
			string(wire.MarshalCompactPeers(peers[:1])),
			string(wire.MarshalCompactPeers(peers[1:])),
		},
	}
	resp, err := parseReturn(r)
	if err != nil {
		t.Fatalf("parseReturn() error = %v", err)
	}
	if !reflect.DeepEqual(resp.Peers, peers) {
		t.Errorf("Peers = %v, want %v", resp.Peers, peers)
	}
}

func Test_parseReturn_malformed(t *testing.T) {
	tests := []struct {
		name string
		r    *krpcReturn
	}{
		{"nil", nil},
		{"short-id", &krpcReturn{ID: "tooshort"}},
		{"bad-nodes", &krpcReturn{ID: testIDStr('x'), Nodes: "12345"}},
		{"bad-values", &krpcReturn{ID: testIDStr('x'), Values: []string{"123"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseReturn(tt.r); err == nil {
				t.Error("parseReturn() expected error")
			}
		})
	}
}

func Test_parseError(t *testing.T) {
	got := parseError([]interface{}{int64(203), "Protocol Error"})
	want := &RemoteError{Code: 203, Reason: "Protocol Error"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseError() = %v, want %v", got, want)
	}
	// degenerate error payloads still produce something usable
	if e := parseError(nil); e.Code != 201 {
		t.Errorf("parseError(nil) = %v", e)
	}
}
