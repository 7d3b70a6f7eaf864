package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"conti/internal/core"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps version checks atomic.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Load(ctx context.Context, id string) (core.Group, error) {
	var (
		doc                  string
		version              int64
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT document, version, created_at, updated_at FROM groups WHERE id = ?`, id,
	).Scan(&doc, &version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Group{}, core.NewGroupNotFound(id)
	}
	if err != nil {
		return core.Group{}, fmt.Errorf("load group %s: %w", id, err)
	}
	return decodeGroup(doc, version, createdAt, updatedAt)
}

func (r *SQLiteRepository) Save(ctx context.Context, g core.Group) (core.Group, error) {
	now := time.Now().UTC()
	out := g.Clone()
	out.UpdatedAt = now
	if out.Version == 0 {
		out.CreatedAt = now
	}
	out.Version = g.Version + 1

	doc, err := json.Marshal(out)
	if err != nil {
		return core.Group{}, fmt.Errorf("encode group: %w", err)
	}

	if g.Version == 0 {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO groups (id, name, version, document, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			out.ID, out.Name, out.Version, string(doc), formatTime(out.CreatedAt), formatTime(out.UpdatedAt))
		if err != nil {
			if exists, _ := r.exists(ctx, out.ID); exists {
				return core.Group{}, fmt.Errorf("insert group %s: %w", out.ID, core.ErrVersionConflict)
			}
			return core.Group{}, fmt.Errorf("insert group %s: %w", out.ID, err)
		}
		slog.DebugContext(ctx, "Group inserted into SQLite", "group_id", out.ID)
		return out, nil
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE groups SET name = ?, version = ?, document = ?, updated_at = ? WHERE id = ? AND version = ?`,
		out.Name, out.Version, string(doc), formatTime(out.UpdatedAt), out.ID, g.Version)
	if err != nil {
		return core.Group{}, fmt.Errorf("update group %s: %w", out.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Group{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		exists, err := r.exists(ctx, out.ID)
		if err != nil {
			return core.Group{}, err
		}
		if !exists {
			return core.Group{}, core.NewGroupNotFound(out.ID)
		}
		return core.Group{}, fmt.Errorf("update group %s at version %d: %w", out.ID, g.Version, core.ErrVersionConflict)
	}

	slog.DebugContext(ctx, "Group updated in SQLite", "group_id", out.ID, "version", out.Version)
	return out, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.NewGroupNotFound(id)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]core.GroupSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT document, version, created_at, updated_at FROM groups ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []core.GroupSummary
	for rows.Next() {
		var (
			doc                  string
			version              int64
			createdAt, updatedAt string
		)
		if err := rows.Scan(&doc, &version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g, err := decodeGroup(doc, version, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, g.Summary())
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM groups WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check group %s: %w", id, err)
	}
	return true, nil
}

func decodeGroup(doc string, version int64, createdAt, updatedAt string) (core.Group, error) {
	var g core.Group
	if err := json.Unmarshal([]byte(doc), &g); err != nil {
		return core.Group{}, fmt.Errorf("decode group: %w", err)
	}
	// columns are authoritative for bookkeeping fields
	g.Version = version
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return g, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
