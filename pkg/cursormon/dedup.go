package cursormon

import "container/list"

// lruSet is a bounded membership set with LRU eviction. It keeps the
// in-memory dedup footprint fixed regardless of how long the monitor
// runs; durability comes from the persisted monitor state, this only
// papers over clock-equal edge cases within a run.
type lruSet struct {
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (s *lruSet) Contains(key string) bool {
	el, ok := s.items[key]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

func (s *lruSet) Add(key string) {
	if el, ok := s.items[key]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.items[key] = s.order.PushFront(key)
	if s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
}
