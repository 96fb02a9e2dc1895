package engine

import (
	"container/list"
	"sync"
)

// syncList is a FIFO queue of swarms waiting for a free slot when
// MaxSwarms is reached.
type syncList struct {
	lst *list.List
	sync.Mutex
}

func newSyncList() *syncList {
	return &syncList{
		lst: list.New(),
	}
}

func (l *syncList) Push(ih string) *list.Element {
	l.Lock()
	defer l.Unlock()
	return l.lst.PushBack(ih)
}

func (l *syncList) Pop() (string, bool) {
	l.Lock()
	defer l.Unlock()
	if elm := l.lst.Front(); elm != nil {
		return l.lst.Remove(elm).(string), true
	}
	return "", false
}

func (l *syncList) Remove(ih string) {
	l.Lock()
	defer l.Unlock()

	for temp := l.lst.Front(); temp != nil; temp = temp.Next() {
		if temp.Value.(string) == ih {
			l.lst.Remove(temp)
			log.Println("syncList removed ih", ih)
			break
		}
	}
}

func (l *syncList) Len() int {
	l.Lock()
	defer l.Unlock()
	return l.lst.Len()
}
