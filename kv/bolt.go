package kv

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("mergeparty")

// OpenBolt opens store kept in bbolt database file.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt database %q failed", path)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}

	return &Bolt{db: db}, nil
}

// Bolt is the store kept in bbolt database.
type Bolt struct {
	db *bolt.DB
}

// Get returns value stored under key.
func (b *Bolt) Get(_ context.Context, key string) (any, bool, error) {
	var value any
	var exists bool
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(boltBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		exists = true

		var err error
		value, err = decodeValue(data)
		return err
	})
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	return value, exists, nil
}

// Put stores value under key.
func (b *Bolt) Put(_ context.Context, key string, value any) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	return errors.WithStack(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), data)
	}))
}

// Delete deletes key.
func (b *Bolt) Delete(_ context.Context, key string) error {
	return errors.WithStack(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	}))
}

// List returns entries with keys starting with prefix.
func (b *Bolt) List(_ context.Context, prefix string) (map[string]any, error) {
	result := map[string]any{}
	p := []byte(prefix)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			value, err := decodeValue(v)
			if err != nil {
				return errors.Wrapf(err, "decoding value of key %q failed", k)
			}
			result[string(k)] = value
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return errors.WithStack(b.db.Close())
}
