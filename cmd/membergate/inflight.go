package main

import (
	"sync"
	"time"
)

// inflightSet tracks payment verifications currently being presented, so a
// double-submitted return URL cannot race two grants for one checkout.
// Entries expire on their own; there is no janitor goroutine.
type inflightSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newInflightSet(ttl time.Duration) *inflightSet {
	return &inflightSet{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// begin claims a key. Returns false when the key is already claimed and
// not yet expired.
func (s *inflightSet) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, deadline := range s.entries {
		if now.After(deadline) {
			delete(s.entries, k)
		}
	}

	if deadline, ok := s.entries[key]; ok && now.Before(deadline) {
		return false
	}
	s.entries[key] = now.Add(s.ttl)
	return true
}

// end releases a key before its TTL.
func (s *inflightSet) end(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}
