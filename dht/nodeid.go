package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// ID is a 160 bit node id or infohash, raw big endian bytes.
type ID [20]byte

func RandomID() ID {
	var id ID
	rand.Read(id[:])
	return id
}

func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("node id must be 20 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Int reads the id as an unsigned big endian integer for distance math.
func (id ID) Int() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Distance is the XOR metric between two ids.
func (id ID) Distance(other ID) *big.Int {
	var x ID
	for i := range id {
		x[i] = id[i] ^ other[i]
	}
	return x.Int()
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// NodeInfo is a DHT node's routable identity.
type NodeInfo struct {
	ID   ID
	Addr wire.PeerInfo
}
