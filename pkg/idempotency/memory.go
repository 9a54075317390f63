package idempotency

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It suits tests and single
// instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Claim(_ context.Context, rec Record, now time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.Key]; ok && !cur.Expired(now) {
		return clone(cur), false, nil
	}
	s.records[rec.Key] = clone(rec)
	return Record{}, true, nil
}

func (s *MemoryStore) Finish(_ context.Context, key string, claimedAt time.Time, status Status, result []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok || cur.Status != StatusPending || !cur.CreatedAt.Equal(claimedAt) {
		return ErrNotPending
	}
	cur.Status = status
	cur.Result = slices.Clone(result)
	cur.ErrorMessage = errMsg
	s.records[key] = cur
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok || cur.Expired(now) {
		return Record{}, false, nil
	}
	return clone(cur), true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.records {
		if r.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func clone(r Record) Record {
	r.Result = slices.Clone(r.Result)
	return r
}
