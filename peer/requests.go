package peer

import (
	"container/list"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// requestList is a FIFO set of block requests: set membership for dedup,
// list order for transmission. Owned by the connection's command loop,
// no locking.
type requestList struct {
	order *list.List
	elems map[wire.Request]*list.Element
}

func newRequestList() *requestList {
	return &requestList{
		order: list.New(),
		elems: map[wire.Request]*list.Element{},
	}
}

// PushTail appends r unless it is already present.
func (l *requestList) PushTail(r wire.Request) bool {
	if _, ok := l.elems[r]; ok {
		return false
	}
	l.elems[r] = l.order.PushBack(r)
	return true
}

func (l *requestList) PopHead() (wire.Request, bool) {
	elm := l.order.Front()
	if elm == nil {
		return wire.Request{}, false
	}
	r := l.order.Remove(elm).(wire.Request)
	delete(l.elems, r)
	return r, true
}

func (l *requestList) Remove(r wire.Request) bool {
	elm, ok := l.elems[r]
	if !ok {
		return false
	}
	l.order.Remove(elm)
	delete(l.elems, r)
	return true
}

func (l *requestList) Contains(r wire.Request) bool {
	_, ok := l.elems[r]
	return ok
}

func (l *requestList) Len() int {
	return l.order.Len()
}

// All returns the requests in insertion order.
func (l *requestList) All() []wire.Request {
	out := make([]wire.Request, 0, l.order.Len())
	for elm := l.order.Front(); elm != nil; elm = elm.Next() {
		out = append(out, elm.Value.(wire.Request))
	}
	return out
}
