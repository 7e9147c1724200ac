package checkpoint

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Data does not survive a
// restart; it is meant for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]map[string][]*Checkpoint // thread -> namespace -> by step
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]map[string][]*Checkpoint)}
}

func (s *MemoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	ns := s.threads[cp.ThreadID]
	if ns == nil {
		ns = make(map[string][]*Checkpoint)
		s.threads[cp.ThreadID] = ns
	}
	list := slices.DeleteFunc(ns[cp.Namespace], func(c *Checkpoint) bool { return c.ID == cp.ID })
	list = append(list, cp.Clone())
	slices.SortStableFunc(list, func(a, b *Checkpoint) int {
		if c := cmp.Compare(a.Step, b.Step); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	ns[cp.Namespace] = list
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, threadID, namespace, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	for _, c := range s.threads[threadID][namespace] {
		if c.ID == id {
			return c.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	list := s.threads[threadID][namespace]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[len(list)-1].Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, threadID, namespace string, limit int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	list := s.threads[threadID][namespace]
	out := make([]*Checkpoint, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, list[i].Clone())
	}
	return out, nil
}

func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.threads, threadID)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
