package engine

import (
	"crypto/sha1"
	"errors"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/sync"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// BlockLength is the standard request size, everything but a piece's tail
// block is this long.
const BlockLength = 16384

// ErrInvalidChecksum reports a completed piece whose SHA-1 disagrees with
// the torrent's hash. The piece is re-picked in full.
var ErrInvalidChecksum = errors.New("piece failed checksum")

// PiecePicker decides which block each connection downloads next. Shared
// by all of a swarm's connections, internally serialized.
type PiecePicker interface {
	// Pick claims a free block available at the given peer.
	Pick(availability *roaring.Bitmap, peerAddr string) (wire.Request, bool)
	// Complete delivers a downloaded block.
	Complete(r wire.Request, b []byte)
	// Unpick releases a claimed block so another peer may retake it.
	Unpick(r wire.Request)
	// Done reports whether every piece has completed.
	Done() bool
}

// Geometry fixes a torrent's piece layout. Hashes are optional, without
// them completed pieces are accepted unverified.
type Geometry struct {
	NumPieces   int
	PieceLength int64
	TotalLength int64
	Hashes      [][20]byte
}

func (g Geometry) pieceSize(index int) int64 {
	if index == g.NumPieces-1 {
		if tail := g.TotalLength - int64(g.NumPieces-1)*g.PieceLength; tail > 0 {
			return tail
		}
	}
	return g.PieceLength
}

func (g Geometry) blocks(index int) []wire.Request {
	size := g.pieceSize(index)
	var out []wire.Request
	for off := int64(0); off < size; off += BlockLength {
		length := int64(BlockLength)
		if off+length > size {
			length = size - off
		}
		out = append(out, wire.Request{
			Index:  uint32(index),
			Begin:  uint32(off),
			Length: uint32(length),
		})
	}
	return out
}

// sequentialPicker hands out blocks front to back: the first unclaimed block
// of the lowest-index piece the peer has. Blocks of later pieces are handed
// out while earlier ones are still in flight.
// OnPiece fires with each verified piece's bytes.
type sequentialPicker struct {
	mu      sync.Mutex
	geo     Geometry
	claimed map[wire.Request]string // block -> peer address
	blocks  map[uint32]map[wire.Request][]byte
	done    *roaring.Bitmap

	OnPiece func(index uint32, data []byte)
	OnError func(index uint32, err error)
}

func NewSequentialPicker(geo Geometry) *sequentialPicker {
	return &sequentialPicker{
		geo:     geo,
		claimed: map[wire.Request]string{},
		blocks:  map[uint32]map[wire.Request][]byte{},
		done:    roaring.New(),
	}
}

func (p *sequentialPicker) Pick(availability *roaring.Bitmap, peerAddr string) (wire.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for index := 0; index < p.geo.NumPieces; index++ {
		if p.done.Contains(uint32(index)) {
			continue
		}
		if availability == nil || !availability.Contains(uint32(index)) {
			continue
		}
		for _, r := range p.geo.blocks(index) {
			if _, ok := p.claimed[r]; ok {
				continue
			}
			if _, ok := p.blocks[r.Index][r]; ok {
				continue
			}
			p.claimed[r] = peerAddr
			return r, true
		}
	}
	return wire.Request{}, false
}

func (p *sequentialPicker) Unpick(r wire.Request) {
	p.mu.Lock()
	delete(p.claimed, r)
	p.mu.Unlock()
}

func (p *sequentialPicker) Complete(r wire.Request, b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimed, r)
	if p.done.Contains(r.Index) {
		return
	}
	got := p.blocks[r.Index]
	if got == nil {
		got = map[wire.Request][]byte{}
		p.blocks[r.Index] = got
	}
	got[r] = b

	blocks := p.geo.blocks(int(r.Index))
	if len(got) < len(blocks) {
		return
	}
	// piece complete: assemble in block order and verify
	data := make([]byte, 0, p.geo.pieceSize(int(r.Index)))
	for _, br := range blocks {
		data = append(data, got[br]...)
	}
	if p.geo.Hashes != nil {
		if sha1.Sum(data) != p.geo.Hashes[r.Index] {
			delete(p.blocks, r.Index)
			if p.OnError != nil {
				p.OnError(r.Index, ErrInvalidChecksum)
			}
			return
		}
	}
	delete(p.blocks, r.Index)
	p.done.Add(r.Index)
	if p.OnPiece != nil {
		p.OnPiece(r.Index, data)
	}
}

func (p *sequentialPicker) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.done.GetCardinality()) == p.geo.NumPieces
}

func (p *sequentialPicker) DownloadedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	it := p.done.Iterator()
	for it.HasNext() {
		n += p.geo.pieceSize(int(it.Next()))
	}
	return n
}
