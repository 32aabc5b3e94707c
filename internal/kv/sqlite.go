package kv

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for the key/value table. Every statement is scoped by area
// so one database file can host more than one tier.
const (
	sqlSelectAll   = `SELECT key, value FROM kv_items WHERE area = ?`
	sqlSelectSizes = `SELECT key, length(key) + length(value) FROM kv_items WHERE area = ?`

	sqlUpsertItem = `INSERT INTO kv_items (area, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(area, key) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`

	sqlDeleteItem = `DELETE FROM kv_items WHERE area = ? AND key = ?`
)

// SQLite is a durable backend on an embedded SQLite database in WAL mode.
// It serves the per-device tier and, inside the relay, the shared tier.
type SQLite struct {
	Hub

	db      *sql.DB
	area    Area
	quota   Quota
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dbPath, runs
// migrations, and returns a backend serving area. The pool is pinned to one
// connection so writes are serialized.
func OpenSQLite(ctx context.Context, dbPath string, area Area, quota Quota, logger *slog.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("key/value database ready",
		slog.String("db_path", dbPath),
		slog.String("area", string(area)),
	)

	return &SQLite{
		db:      db,
		area:    area,
		quota:   quota,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Area returns the tier this backend serves.
func (s *SQLite) Area() Area { return s.area }

// Get returns the requested keys, or every key of the area when keys is nil.
func (s *SQLite) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	query := sqlSelectAll
	args := []any{string(s.area)}

	if keys != nil {
		if len(keys) == 0 {
			return map[string]json.RawMessage{}, nil
		}

		query += ` AND key IN (?` + strings.Repeat(`, ?`, len(keys)-1) + `)`
		for _, k := range keys {
			args = append(args, k)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: querying %s items: %w", s.area, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)

	for rows.Next() {
		var (
			key   string
			value []byte
		)

		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("kv: scanning %s item: %w", s.area, err)
		}

		out[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: iterating %s items: %w", s.area, err)
	}

	return out, nil
}

// Set upserts every item in one transaction after checking the quota.
func (s *SQLite) Set(ctx context.Context, items map[string]json.RawMessage) error {
	for k, v := range items {
		if k == "" {
			return ErrInvalidKey
		}

		if !json.Valid(v) {
			return fmt.Errorf("kv: value for %s is not valid JSON", k)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv: beginning set transaction: %w", err)
	}
	defer tx.Rollback()

	if !s.quota.Unlimited() {
		sizes, err := s.sizes(ctx, tx)
		if err != nil {
			return err
		}

		if err := s.quota.Check(sizes, items); err != nil {
			return err
		}
	}

	old, err := s.current(ctx, tx, items)
	if err != nil {
		return err
	}

	now := s.nowFunc().UnixMilli()
	changes := make(map[string]Change, len(items))

	for k, v := range items {
		prev, existed := old[k]
		if existed && bytes.Equal(prev, v) {
			continue
		}

		if _, err := tx.ExecContext(ctx, sqlUpsertItem, string(s.area), k, []byte(v), now); err != nil {
			return fmt.Errorf("kv: upserting %s: %w", k, err)
		}

		c := Change{NewValue: bytes.Clone(v)}
		if existed {
			c.OldValue = prev
		}

		changes[k] = c
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: committing set: %w", err)
	}

	s.logger.Debug("kv set committed",
		slog.String("area", string(s.area)),
		slog.Int("changed", len(changes)),
	)

	s.Notify(changes, s.area)

	return nil
}

// Remove deletes keys in one transaction. Missing keys are ignored.
func (s *SQLite) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv: beginning remove transaction: %w", err)
	}
	defer tx.Rollback()

	lookup := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		lookup[k] = nil
	}

	old, err := s.current(ctx, tx, lookup)
	if err != nil {
		return err
	}

	changes := make(map[string]Change, len(old))

	for k, prev := range old {
		if _, err := tx.ExecContext(ctx, sqlDeleteItem, string(s.area), k); err != nil {
			return fmt.Errorf("kv: deleting %s: %w", k, err)
		}

		changes[k] = Change{OldValue: prev}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: committing remove: %w", err)
	}

	s.Notify(changes, s.area)

	return nil
}

// sizes returns the quota cost of every stored key of the area.
func (s *SQLite) sizes(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, sqlSelectSizes, string(s.area))
	if err != nil {
		return nil, fmt.Errorf("kv: measuring %s items: %w", s.area, err)
	}
	defer rows.Close()

	sizes := make(map[string]int)

	for rows.Next() {
		var (
			key string
			sz  int
		)

		if err := rows.Scan(&key, &sz); err != nil {
			return nil, fmt.Errorf("kv: scanning %s size: %w", s.area, err)
		}

		sizes[key] = sz
	}

	return sizes, rows.Err()
}

// current returns the stored values of the keys present in items.
func (s *SQLite) current(
	ctx context.Context, tx *sql.Tx, items map[string]json.RawMessage,
) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(items))

	for k := range items {
		var value []byte

		err := tx.QueryRowContext(ctx,
			`SELECT value FROM kv_items WHERE area = ? AND key = ?`, string(s.area), k,
		).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("kv: reading %s: %w", k, err)
		}

		out[k] = value
	}

	return out, nil
}
