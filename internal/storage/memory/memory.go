package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"conti/internal/core"
	"conti/internal/storage"
)

// Store keeps groups in process memory. Data is lost on restart.
type Store struct {
	mu     sync.Mutex
	groups map[string]core.Group
	now    func() time.Time
}

var _ storage.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		groups: make(map[string]core.Group),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Load(_ context.Context, id string) (core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return core.Group{}, core.NewGroupNotFound(id)
	}
	return g.Clone(), nil
}

// Save inserts (Version 0) or replaces a group if its version matches.
func (s *Store) Save(_ context.Context, g core.Group) (core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.groups[g.ID]
	switch {
	case g.Version == 0 && exists:
		return core.Group{}, fmt.Errorf("insert group %s: %w", g.ID, core.ErrVersionConflict)
	case g.Version != 0 && !exists:
		return core.Group{}, core.NewGroupNotFound(g.ID)
	case g.Version != 0 && cur.Version != g.Version:
		return core.Group{}, fmt.Errorf("update group %s at version %d (stored %d): %w",
			g.ID, g.Version, cur.Version, core.ErrVersionConflict)
	}

	out := g.Clone()
	out.UpdatedAt = s.now()
	if g.Version == 0 {
		out.CreatedAt = out.UpdatedAt
	}
	out.Version = g.Version + 1
	s.groups[out.ID] = out
	return out.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return core.NewGroupNotFound(id)
	}
	delete(s.groups, id)
	return nil
}

// List returns summaries, most recently updated first.
func (s *Store) List(_ context.Context) ([]core.GroupSummary, error) {
	s.mu.Lock()
	groups := make([]core.Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].UpdatedAt.Equal(groups[j].UpdatedAt) {
			return groups[i].UpdatedAt.After(groups[j].UpdatedAt)
		}
		return groups[i].ID < groups[j].ID
	})
	out := make([]core.GroupSummary, len(groups))
	for i, g := range groups {
		out[i] = g.Summary()
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
