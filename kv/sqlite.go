package kv

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/pkg/errors"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS mergeparty_kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// OpenSQLite opens store kept in sqlite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database %q failed", path)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating schema failed")
	}
	return &SQLite{db: db}, nil
}

// SQLite is the store kept in sqlite table.
type SQLite struct {
	db *sql.DB
}

// Get returns value stored under key.
func (s *SQLite) Get(ctx context.Context, key string) (any, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM mergeparty_kv WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	value, err := decodeValue(data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put stores value under key.
func (s *SQLite) Put(ctx context.Context, key string, value any) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mergeparty_kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, data)
	return errors.WithStack(err)
}

// Delete deletes key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mergeparty_kv WHERE key = ?`, key)
	return errors.WithStack(err)
}

// List returns entries with keys starting with prefix.
func (s *SQLite) List(ctx context.Context, prefix string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM mergeparty_kv WHERE substr(key, 1, length(?1)) = ?1`, prefix)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	result := map[string]any{}
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, errors.WithStack(err)
		}
		value, err := decodeValue(data)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding value of key %q failed", key)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return errors.WithStack(s.db.Close())
}
