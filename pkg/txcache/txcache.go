package txcache

import (
	"container/list"
	"sync"
	"time"
)

// Receipt records where an applied write landed.
type Receipt struct {
	Height uint64
	At     time.Time
}

type entry struct {
	id       string
	receipt  Receipt
	expireAt time.Time
}

// Store is an in-memory set of applied write tx IDs with TTL and LRU eviction
// by entry count.
type Store struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	cap  int
}

func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacity,
	}
}

// Put records id. ttl <= 0 keeps it until evicted.
func (s *Store) Put(id string, r Receipt, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	if el, ok := s.data[id]; ok {
		e := el.Value.(*entry)
		e.receipt = r
		e.expireAt = exp
		s.ll.MoveToFront(el)
	} else {
		e := &entry{id: id, receipt: r, expireAt: exp}
		s.data[id] = s.ll.PushFront(e)
	}
	s.evictIfNeeded()
}

func (s *Store) Get(id string) (Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[id]; ok {
		e := el.Value.(*entry)
		if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
			s.removeElement(el)
			return Receipt{}, false
		}
		s.ll.MoveToFront(el)
		return e.receipt, true
	}
	return Receipt{}, false
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[id]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *Store) evictIfNeeded() {
	for len(s.data) > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.id)
	s.ll.Remove(el)
}
