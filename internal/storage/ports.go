// Package storage defines how groups are persisted and provides the SQLite
// implementation. Other backends live in subpackages.
package storage

import (
	"context"

	"conti/internal/core"
)

// Repository persists whole group documents.
//
// Save is an optimistic compare-and-swap on Group.Version: a group with
// Version 0 is inserted, otherwise the stored version must equal g.Version.
// On success the returned group carries the new version. A mismatch yields
// core.ErrVersionConflict; a missing group yields a *core.NotFoundError.
type Repository interface {
	Load(ctx context.Context, id string) (core.Group, error)
	Save(ctx context.Context, g core.Group) (core.Group, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]core.GroupSummary, error)
	Ping(ctx context.Context) error
	Close() error
}
