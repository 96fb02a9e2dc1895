package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// PeerInfo is a reachable peer address. Compact form is 4 byte IPv4
// followed by a 2 byte big endian port.
type PeerInfo struct {
	IP   [4]byte
	Port uint16
}

func (p PeerInfo) Addr() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", p.IP[0], p.IP[1], p.IP[2], p.IP[3], p.Port)
}

func (p PeerInfo) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(p.IP[:]), Port: int(p.Port)}
}

func (p PeerInfo) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(p.IP[:]), Port: int(p.Port)}
}

const compactPeerLen = 6

func MarshalCompactPeers(peers []PeerInfo) []byte {
	buf := make([]byte, 0, len(peers)*compactPeerLen)
	for _, p := range peers {
		buf = append(buf, p.IP[:]...)
		buf = append(buf, byte(p.Port>>8), byte(p.Port))
	}
	return buf
}

func UnmarshalCompactPeers(b []byte) ([]PeerInfo, error) {
	if len(b)%compactPeerLen != 0 {
		return nil, fmt.Errorf("%w: compact peers blob of %d bytes", ErrMalformed, len(b))
	}
	peers := make([]PeerInfo, 0, len(b)/compactPeerLen)
	for i := 0; i < len(b); i += compactPeerLen {
		var p PeerInfo
		copy(p.IP[:], b[i:i+4])
		p.Port = binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, p)
	}
	return peers, nil
}

// CompactNode is a DHT node in its wire form, 20 byte id then the
// compact peer address.
type CompactNode struct {
	ID   [20]byte
	Addr PeerInfo
}

const compactNodeLen = 20 + compactPeerLen

func MarshalCompactNodes(nodes []CompactNode) []byte {
	buf := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		buf = append(buf, n.ID[:]...)
		buf = append(buf, n.Addr.IP[:]...)
		buf = append(buf, byte(n.Addr.Port>>8), byte(n.Addr.Port))
	}
	return buf
}

func UnmarshalCompactNodes(b []byte) ([]CompactNode, error) {
	if len(b)%compactNodeLen != 0 {
		return nil, fmt.Errorf("%w: compact nodes blob of %d bytes", ErrMalformed, len(b))
	}
	nodes := make([]CompactNode, 0, len(b)/compactNodeLen)
	for i := 0; i < len(b); i += compactNodeLen {
		var n CompactNode
		copy(n.ID[:], b[i:i+20])
		copy(n.Addr.IP[:], b[i+20:i+24])
		n.Addr.Port = binary.BigEndian.Uint16(b[i+24 : i+26])
		nodes = append(nodes, n)
	}
	return nodes, nil
}
