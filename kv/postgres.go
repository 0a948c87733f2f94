package kv

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS mergeparty_kv (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL
)`

// OpenPostgres connects to postgres and creates the table if it doesn't exist.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres failed")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "creating schema failed")
	}
	return &Postgres{pool: pool}, nil
}

// Postgres is the store kept in postgres table.
type Postgres struct {
	pool *pgxpool.Pool
}

// Get returns value stored under key.
func (p *Postgres) Get(ctx context.Context, key string) (any, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM mergeparty_kv WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (p *Postgres) Put(ctx context.Context, key string, value any) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO mergeparty_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, data)
	return errors.WithStack(err)
}

// Delete deletes key.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM mergeparty_kv WHERE key = $1`, key)
	return errors.WithStack(err)
}

// List returns entries with keys starting with prefix.
func (p *Postgres) List(ctx context.Context, prefix string) (map[string]any, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM mergeparty_kv WHERE starts_with(key, $1)`, prefix)
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

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
