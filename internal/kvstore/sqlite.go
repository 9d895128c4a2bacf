package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"example.com/scrollmeter/internal/sqliteutil"
)

// SQLite is a Store backed by a single kv table.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open database. Call Init before use.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// OpenSQLite opens the database at path and applies the kv schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLite(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the kv table.
func (s *SQLite) Init(ctx context.Context) error {
	return sqliteutil.Apply(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	})
}

// Close releases the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if errors.Is(err, sql.ErrConnDone) {
			return false, ErrClosed
		}
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if err := Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value any) error {
	raw, err := Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}
