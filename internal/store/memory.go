package store

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps records in a mutex-guarded map. It backs development
// setups and tests; the counter increment is atomic under the same mutex.
type memoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func NewMemory() Store {
	return &memoryStore{recs: map[string]*Record{}}
}

func (s *memoryStore) CreateSession(ctx context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if cur, ok := s.recs[rec.ID]; ok {
		// Restart of a known id: refresh configuration, keep the counter.
		cur.Targets = append([]string(nil), rec.Targets...)
		cur.Messages = append([]string(nil), rec.Messages...)
		cur.DelaySeconds = rec.DelaySeconds
		cur.Mode = rec.Mode
		cur.UpdatedAt = now
		return snapshot(cur), nil
	}

	cp := rec
	cp.Targets = append([]string(nil), rec.Targets...)
	cp.Messages = append([]string(nil), rec.Messages...)
	cp.MessageCount = 0
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.recs[rec.ID] = &cp
	return snapshot(&cp), nil
}

func (s *memoryStore) GetSession(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return snapshot(rec), nil
}

func (s *memoryStore) ListSessions(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, snapshot(rec))
	}
	return out, nil
}

// snapshot detaches the slices so callers cannot reach back into the store.
func snapshot(rec *Record) Record {
	cp := *rec
	cp.Targets = append([]string(nil), rec.Targets...)
	cp.Messages = append([]string(nil), rec.Messages...)
	return cp
}

func (s *memoryStore) UpdateActive(ctx context.Context, id string, active bool) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Active = active
	rec.UpdatedAt = time.Now()
	return snapshot(rec), nil
}

func (s *memoryStore) IncrementDeliveryCount(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return 0, ErrNotFound
	}
	rec.MessageCount++
	rec.UpdatedAt = time.Now()
	return rec.MessageCount, nil
}

func (s *memoryStore) Close() error { return nil }
