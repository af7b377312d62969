package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	done        bool
	response    StoredResponse
	expiresAt   time.Time
}

// MemoryStore keeps submissions in process memory. Used by tests and the
// --memory server mode.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	entry, ok := s.entries[key]
	if !ok {
		s.entries[key] = memoryEntry{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return Claim{State: ClaimAcquired}, nil
	}
	if entry.fingerprint != fingerprint {
		return Claim{}, ErrKeyReused
	}
	if entry.done {
		resp := entry.response
		resp.Body = append([]byte(nil), resp.Body...)
		return Claim{State: ClaimReplay, Response: resp}, nil
	}
	return Claim{State: ClaimInFlight}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	entry.done = true
	entry.response = StoredResponse{Status: resp.Status, ContentType: resp.ContentType, Body: append([]byte(nil), resp.Body...)}
	entry.expiresAt = now.Add(ttl)
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}
