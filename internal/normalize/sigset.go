package normalize

import "sync"

// sigSet is a bounded set of recently-seen transaction signatures. Once the
// bound is reached the oldest signature is evicted first.
type sigSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

func newSigSet(max int) *sigSet {
	return &sigSet{
		seen: make(map[string]struct{}, max),
		max:  max,
	}
}

// add records sig and reports whether it was already present.
func (s *sigSet) add(sig string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[sig]; dup {
		return true
	}
	if len(s.order) >= s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	s.seen[sig] = struct{}{}
	s.order = append(s.order, sig)
	return false
}

func (s *sigSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
