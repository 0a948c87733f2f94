// Package kv provides the flat key-value stores rooms keep their documents in.
//
// Values are arbitrary Go values. The in-memory store keeps them as given, durable stores
// serialize them to self-describing CBOR, so readers must be prepared for the shapes produced
// by decoding ([]byte, map[any]any, []any, string, numbers).
package kv

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrClosed is returned when store is used after Close.
var ErrClosed = errors.New("store closed")

// Store is the key-value capability of the hosting layer.
type Store interface {
	// Get returns value stored under key. The second result is false if key does not exist.
	Get(ctx context.Context, key string) (any, bool, error)

	// Put stores value under key.
	Put(ctx context.Context, key string, value any) error

	// Delete deletes key. Deleting missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all the entries whose keys start with prefix.
	List(ctx context.Context, prefix string) (map[string]any, error)

	// Close releases resources held by the store.
	Close() error
}

// WithPrefix returns store isolating its keys under prefix.
// Keys passed to and returned from the returned store don't contain the prefix.
// Closing the returned store does not close the parent.
func WithPrefix(store Store, prefix string) Store {
	return &prefixed{
		store:  store,
		prefix: prefix,
	}
}

type prefixed struct {
	store  Store
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) (any, bool, error) {
	return p.store.Get(ctx, p.prefix+key)
}

func (p *prefixed) Put(ctx context.Context, key string, value any) error {
	return p.store.Put(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, p.prefix+key)
}

func (p *prefixed) List(ctx context.Context, prefix string) (map[string]any, error) {
	entries, err := p.store.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	result := make(map[string]any, len(entries))
	for k, v := range entries {
		result[strings.TrimPrefix(k, p.prefix)] = v
	}
	return result, nil
}

func (p *prefixed) Close() error {
	return nil
}
