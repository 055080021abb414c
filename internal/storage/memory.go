package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.Mutex
	recs   map[string]Record
	closed bool
}

// NewMemory returns a store that keeps records in memory only.
func NewMemory() Store {
	return &memoryStore{recs: map[string]Record{}}
}

func (s *memoryStore) Load(_ context.Context, handle string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	r, ok := s.recs[handle]
	return r, ok, nil
}

func (s *memoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	s.recs[rec.Handle] = rec
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
