package worker

import (
	"sort"
	"sync"
)

// inflightSet tracks materials accepted but not yet settled, per session.
type inflightSet struct {
	mu        sync.RWMutex
	bySession map[int64]map[string]struct{}
	sessionOf map[string]int64
}

func newInflightSet() *inflightSet {
	return &inflightSet{
		bySession: make(map[int64]map[string]struct{}),
		sessionOf: make(map[string]int64),
	}
}

// add reports false when the material is already in flight.
func (s *inflightSet) add(sessionID int64, materialID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessionOf[materialID]; ok {
		return false
	}
	ids := s.bySession[sessionID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.bySession[sessionID] = ids
	}
	ids[materialID] = struct{}{}
	s.sessionOf[materialID] = sessionID
	return true
}

func (s *inflightSet) remove(materialID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.sessionOf[materialID]
	if !ok {
		return
	}
	delete(s.sessionOf, materialID)
	if ids := s.bySession[sessionID]; ids != nil {
		delete(ids, materialID)
		if len(ids) == 0 {
			delete(s.bySession, sessionID)
		}
	}
}

func (s *inflightSet) list(sessionID int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.bySession[sessionID]))
	for id := range s.bySession[sessionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *inflightSet) all() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessionOf))
	for id := range s.sessionOf {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
