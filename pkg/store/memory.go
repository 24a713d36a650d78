package store

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	data    string
	cas     uint64
	expires time.Time
}

// MemoryStore is an in-process Store used by tests and single-node
// deployments without Redis. It honours the same CAS semantics as the
// Redis backend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for expiry tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func memoryKey(table, key string) string {
	return table + "\x00" + key
}

// Get returns the record data and its CAS token.
func (s *MemoryStore) Get(ctx context.Context, table, key string) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memoryKey(table, key)]
	if !ok || (!rec.expires.IsZero() && !s.now().Before(rec.expires)) {
		delete(s.records, memoryKey(table, key))
		return "", 0, ErrNotFound
	}
	return rec.data, rec.cas, nil
}

// Set writes data guarded by the CAS token.
func (s *MemoryStore) Set(ctx context.Context, table, key, data string, cas uint64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(table, key)
	rec, ok := s.records[k]
	if ok && !rec.expires.IsZero() && !s.now().Before(rec.expires) {
		delete(s.records, k)
		ok = false
	}

	if ok {
		if rec.cas != cas {
			return ErrCASMismatch
		}
	} else if cas != 0 {
		return ErrCASMismatch
	}

	next := memoryRecord{data: data, cas: cas + 1}
	if ttl > 0 {
		next.expires = s.now().Add(ttl)
	}
	s.records[k] = next
	return nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(ctx context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memoryKey(table, key))
	return nil
}
