package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"conti/internal/core"
)

func TestStoreSaveLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	g, err := s.Save(ctx, core.Group{ID: "g1", Name: "Flat", Members: []core.Member{{ID: "a", Name: "A"}}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if g.Version != 1 {
		t.Fatalf("expected version 1, got %d", g.Version)
	}

	loaded, err := s.Load(ctx, "g1")
	if err != nil || loaded.Name != "Flat" {
		t.Fatalf("unexpected load: %+v err=%v", loaded, err)
	}

	// mutating the loaded copy must not leak into the store
	loaded.Members[0].Name = "changed"
	again, _ := s.Load(ctx, "g1")
	if again.Members[0].Name != "A" {
		t.Fatalf("store returned shared state")
	}
}

func TestStoreVersionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	v1, _ := s.Save(ctx, core.Group{ID: "g1", Name: "Flat"})
	if _, err := s.Save(ctx, v1); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := s.Save(ctx, v1); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if _, err := s.Save(ctx, core.Group{ID: "g1", Name: "dup"}); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}
	if _, err := s.Save(ctx, core.Group{ID: "nope", Version: 4}); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreConcurrentWritersSerialize(t *testing.T) {
	s := New()
	ctx := context.Background()
	base, _ := s.Save(ctx, core.Group{ID: "g1", Name: "Flat"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Save(ctx, base); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one writer to win, got %d", wins)
	}
}

func TestStoreDeleteAndList(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.Save(ctx, core.Group{ID: "a", Name: "A"})
	_, _ = s.Save(ctx, core.Group{ID: "b", Name: "B"})

	list, _ := s.List(ctx)
	if len(list) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(list))
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "a"); !core.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	list, _ = s.List(ctx)
	if len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("unexpected list %+v", list)
	}
}
