package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memorySet struct {
	mu      sync.Mutex
	members map[string]int64 // unix milli
	closed  bool
}

// NewMemory returns a process-local Set.
func NewMemory() Set {
	return &memorySet{members: map[string]int64{}}
}

func (s *memorySet) Has(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.members[strings.TrimSpace(key)]
	return ok, nil
}

func (s *memorySet) Add(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.members[key]; !ok {
		s.members[key] = time.Now().UnixMilli()
	}
	return nil
}

func (s *memorySet) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members), nil
}

func (s *memorySet) PurgeBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pruneBefore(s.members, t.UnixMilli()), nil
}

func (s *memorySet) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func pruneBefore(m map[string]int64, cutoff int64) int {
	n := 0
	for k, v := range m {
		if v < cutoff {
			delete(m, k)
			n++
		}
	}
	return n
}
