package peer

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// availabilityCell holds the peer's piece bitmap. The command loop writes
// it, the swarm reads snapshots, so this one field is locked.
type availabilityCell struct {
	mu sync.Mutex
	bm *roaring.Bitmap
}

func (a *availabilityCell) set(bm *roaring.Bitmap) {
	a.mu.Lock()
	a.bm = bm
	a.mu.Unlock()
}

func (a *availabilityCell) add(piece uint32) {
	a.mu.Lock()
	if a.bm == nil {
		a.bm = roaring.New()
	}
	a.bm.Add(piece)
	a.mu.Unlock()
}

func (a *availabilityCell) snapshot() *roaring.Bitmap {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bm == nil {
		return roaring.New()
	}
	return a.bm.Clone()
}
