package project

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps projects in a map.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*Project), now: time.Now}
}

// Create implements Store. The project starts pending unless a status is set.
func (s *MemoryStore) Create(_ context.Context, p *Project) error {
	if err := validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("project %s already exists", p.ID)
	}

	cp := *p
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	now := s.now().UTC()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.projects[p.ID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

// MarkBuilding implements Store.
func (s *MemoryStore) MarkBuilding(_ context.Context, id string) error {
	return s.set(id, StatusBuilding, "")
}

// MarkCompleted implements Store.
func (s *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	return s.set(id, StatusCompleted, "")
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, id, message string) error {
	return s.set(id, StatusFailed, message)
}

func (s *MemoryStore) set(id string, status Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Status = status
	p.Error = message
	p.UpdatedAt = s.now().UTC()
	return nil
}
