package peer

import "sync"

// Set holds the links of one call keyed by remote peer id. A two-party
// call has one entry; a mesh group call has one per participant.
type Set struct {
	mu    sync.Mutex
	links map[string]*Link
}

// NewSet returns an empty link set.
func NewSet() *Set {
	return &Set{links: make(map[string]*Link)}
}

// Put stores the link for its remote peer, tearing down any link it
// replaces.
func (s *Set) Put(l *Link) {
	s.mu.Lock()
	old := s.links[l.RemoteID]
	s.links[l.RemoteID] = l
	s.mu.Unlock()
	if old != nil && old != l {
		old.Teardown()
	}
}

// Get returns the link for remoteID, or nil.
func (s *Set) Get(remoteID string) *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[remoteID]
}

// Remove tears down and forgets the link for remoteID.
func (s *Set) Remove(remoteID string) {
	s.mu.Lock()
	l := s.links[remoteID]
	delete(s.links, remoteID)
	s.mu.Unlock()
	if l != nil {
		l.Teardown()
	}
}

// Len reports how many links are live.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Clear tears down every link.
func (s *Set) Clear() {
	s.mu.Lock()
	links := s.links
	s.links = make(map[string]*Link)
	s.mu.Unlock()
	for _, l := range links {
		l.Teardown()
	}
}
