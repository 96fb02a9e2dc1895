package dht

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// KRPC message framing per BEP-5. The y field discriminates query,
// response and error, the q field names the query.
const (
	QueryPing     = "ping"
	QueryFindNode = "find_node"
	QueryGetPeers = "get_peers"
)

var (
	ErrTimeout   = errors.New("dht query timed out")
	ErrClosed    = errors.New("dht client closed")
	ErrMalformed = errors.New("malformed dht message")
)

// RemoteError is a KRPC error message resolved against our query.
type RemoteError struct {
	Code   int64
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dht remote error %d: %s", e.Code, e.Reason)
}

// Field order mirrors sorted bencode keys, the encoder emits struct
// fields in declaration order.
type krpcMsg struct {
	A *krpcArgs     `bencode:"a,omitempty"`
	E []interface{} `bencode:"e,omitempty"`
	Q string        `bencode:"q,omitempty"`
	R *krpcReturn   `bencode:"r,omitempty"`
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
}

type krpcArgs struct {
	ID       string `bencode:"id"`
	InfoHash string `bencode:"info_hash,omitempty"`
	Target   string `bencode:"target,omitempty"`
}

type krpcReturn struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// Response is the decoded reply to any of the three queries. Nodes and
// Peers are set when the remote included them.
type Response struct {
	ID    ID
	Nodes []NodeInfo
	Peers []wire.PeerInfo
}

func marshalQuery(tid string, name string, self ID, target *ID, infohash *ID) ([]byte, error) {
	args := &krpcArgs{ID: string(self[:])}
	if target != nil {
		args.Target = string(target[:])
	}
	if infohash != nil {
		args.InfoHash = string(infohash[:])
	}
	return bencode.Marshal(krpcMsg{T: tid, Y: "q", Q: name, A: args})
}

func marshalResponse(tid string, self ID, nodes []NodeInfo) ([]byte, error) {
	ret := &krpcReturn{ID: string(self[:])}
	if nodes != nil {
		compact := make([]wire.CompactNode, len(nodes))
		for i, n := range nodes {
			compact[i] = wire.CompactNode{ID: n.ID, Addr: n.Addr}
		}
		ret.Nodes = string(wire.MarshalCompactNodes(compact))
	}
	return bencode.Marshal(krpcMsg{T: tid, Y: "r", R: ret})
}

func marshalError(tid string, code int64, reason string) ([]byte, error) {
	return bencode.Marshal(krpcMsg{T: tid, Y: "e", E: []interface{}{code, reason}})
}

func parseID(s string) (ID, error) {
	var id ID
	if len(s) != len(id) {
		return id, fmt.Errorf("%w: id of %d bytes", ErrMalformed, len(s))
	}
	copy(id[:], s)
	return id, nil
}

func parseReturn(r *krpcReturn) (Response, error) {
	var resp Response
	if r == nil {
		return resp, fmt.Errorf("%w: response without r dict", ErrMalformed)
	}
	id, err := parseID(r.ID)
	if err != nil {
		return resp, err
	}
	resp.ID = id
	if r.Nodes != "" {
		compact, err := wire.UnmarshalCompactNodes([]byte(r.Nodes))
		if err != nil {
			return resp, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		resp.Nodes = make([]NodeInfo, len(compact))
		for i, n := range compact {
			resp.Nodes[i] = NodeInfo{ID: n.ID, Addr: n.Addr}
		}
	}
	for _, v := range r.Values {
		peers, err := wire.UnmarshalCompactPeers([]byte(v))
		if err != nil {
			return resp, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		resp.Peers = append(resp.Peers, peers...)
	}
	return resp, nil
}

func parseError(e []interface{}) *RemoteError {
	re := &RemoteError{Code: 201, Reason: "generic error"}
	if len(e) > 0 {
		if code, ok := e[0].(int64); ok {
			re.Code = code
		}
	}
	if len(e) > 1 {
		if reason, ok := e[1].(string); ok {
			re.Reason = reason
		}
	}
	return re
}
