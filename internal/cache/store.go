// Package cache holds the replay cache shared between the run orchestrator and
// the cache server.
package cache

import (
	"sync"

	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

type key struct {
	path  string
	index int
}

// Store maps (path, index) to a recorded call and carries the current
// per-path replay metadata. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	records     map[key]protocol.CachedCallRecord
	pathToCount map[string]int
	overrides   map[string]protocol.Override
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records:     make(map[key]protocol.CachedCallRecord),
		pathToCount: make(map[string]int),
		overrides:   make(map[string]protocol.Override),
	}
}

// Clear drops every record and resets the metadata.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[key]protocol.CachedCallRecord)
	s.pathToCount = make(map[string]int)
	s.overrides = make(map[string]protocol.Override)
}

// Set stores a record at (path, index), replacing any previous one.
func (s *Store) Set(path string, index int, record protocol.CachedCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key{path: path, index: index}] = record
}

// Get returns the record at (path, index).
func (s *Store) Get(path string, index int) (protocol.CachedCallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key{path: path, index: index}]
	return record, ok
}

// SetMetadata replaces the replay metadata wholesale.
func (s *Store) SetMetadata(pathToCount map[string]int, overrides map[string]protocol.Override) {
	counts := make(map[string]int, len(pathToCount))
	for path, n := range pathToCount {
		counts[path] = n
	}
	ovr := make(map[string]protocol.Override, len(overrides))
	for path, o := range overrides {
		ovr[path] = o
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pathToCount = counts
	s.overrides = ovr
}

// Metadata returns a copy of the current replay metadata.
func (s *Store) Metadata() protocol.ReplayMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta := protocol.ReplayMetadata{
		PathToCount: make(map[string]int, len(s.pathToCount)),
		Overrides:   make(map[string]protocol.Override, len(s.overrides)),
	}
	for path, n := range s.pathToCount {
		meta.PathToCount[path] = n
	}
	for path, o := range s.overrides {
		meta.Overrides[path] = o
	}
	return meta
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
