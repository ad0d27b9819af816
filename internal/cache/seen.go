package cache

// seenSet remembers the most recent provider ids with the id they were
// stored under. It outlives trimming and sweeps so redeliveries of dropped
// messages are still recognized; the oldest id is forgotten once the set is
// full.
type seenSet struct {
	ids  map[string]int64
	ring []string
	next int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids:  make(map[string]int64, capacity),
		ring: make([]string, capacity),
	}
}

func (s *seenSet) get(providerID string) (int64, bool) {
	id, ok := s.ids[providerID]
	return id, ok
}

func (s *seenSet) add(providerID string, id int64) {
	if _, ok := s.ids[providerID]; ok {
		return
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = providerID
	s.ids[providerID] = id
	s.next = (s.next + 1) % len(s.ring)
}

func (s *seenSet) len() int { return len(s.ids) }
