package verification

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	slot    Slot
	expires time.Time
}

// MemoryStore keeps session slots in a mutex-guarded map.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   Clock
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(clock Clock) *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), clock: clock}
}

// Get implements SessionStore.
func (s *MemoryStore) Get(_ context.Context, session string) (Slot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(session)
	if !ok {
		return Slot{}, false, nil
	}
	return e.slot, true, nil
}

// Put implements SessionStore.
func (s *MemoryStore) Put(_ context.Context, session string, slot Slot, retain time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[session] = memoryEntry{slot: slot, expires: s.clock.Now().Add(retain)}
	return nil
}

// Update implements SessionStore.
func (s *MemoryStore) Update(_ context.Context, session string, fn func(*Slot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(session)
	if !ok {
		return ErrNoSlot
	}
	slot := e.slot
	if err := fn(&slot); err != nil {
		return err
	}
	e.slot = slot
	s.entries[session] = e
	return nil
}

// Delete implements SessionStore.
func (s *MemoryStore) Delete(_ context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, session)
	return nil
}

// Purge drops slots past their retention.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// live must be called with mu held.
func (s *MemoryStore) live(session string) (memoryEntry, bool) {
	e, ok := s.entries[session]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.clock.Now().Before(e.expires) {
		delete(s.entries, session)
		return memoryEntry{}, false
	}
	return e, true
}
