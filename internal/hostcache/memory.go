package hostcache

import (
	"context"
	"sync"
)

// MemoryStore implements the Store interface in memory, without
// persistence. Useful for tests and for running without a cache file.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*HostRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*HostRecord),
	}
}

// Open initializes the store
func (s *MemoryStore) Open() error {
	return nil
}

// Close releases the store
func (s *MemoryStore) Close() error {
	return nil
}

// Record upserts the record for a host
func (s *MemoryStore) Record(ctx context.Context, host string, update func(*HostRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[host]
	if !ok {
		record = &HostRecord{Host: host}
	}
	copied := *record
	if err := update(&copied); err != nil {
		return err
	}
	s.records[host] = &copied
	return nil
}

// Get retrieves the record for a host
func (s *MemoryStore) Get(ctx context.Context, host string) (*HostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[host]
	if !ok {
		return nil, ErrHostNotFound{Host: host}
	}
	copied := *record
	return &copied, nil
}

// List retrieves all host records
func (s *MemoryStore) List(ctx context.Context) ([]*HostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*HostRecord, 0, len(s.records))
	for _, record := range s.records {
		copied := *record
		records = append(records, &copied)
	}
	return records, nil
}

// Delete removes the record for a host
func (s *MemoryStore) Delete(ctx context.Context, host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[host]; !ok {
		return ErrHostNotFound{Host: host}
	}
	delete(s.records, host)
	return nil
}
