package board

// SeenOps tracks operation identifiers already processed within one board
// session, so at-least-once delivery stays idempotent. The set is unbounded
// on purpose: sessions are short-lived, so there is nothing to evict.
type SeenOps struct {
	seen map[string]struct{}
}

// NewSeenOps returns an empty tracker.
func NewSeenOps() *SeenOps {
	return &SeenOps{seen: make(map[string]struct{})}
}

// IsDuplicate records opID on first sight and returns false; every later
// call with the same opID returns true.
func (s *SeenOps) IsDuplicate(opID string) bool {
	if _, ok := s.seen[opID]; ok {
		return true
	}
	s.seen[opID] = struct{}{}
	return false
}

// MarkSeen records a locally originated opID without the duplicate check, so
// a relay echo of our own op is dropped.
func (s *SeenOps) MarkSeen(opID string) {
	s.seen[opID] = struct{}{}
}

// Len returns the number of recorded operation ids.
func (s *SeenOps) Len() int {
	return len(s.seen)
}
