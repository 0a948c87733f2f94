package kv

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// NewMemory creates in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: map[string]any{},
	}
}

// Memory keeps values in memory.
type Memory struct {
	mu     sync.RWMutex
	values map[string]any
	closed bool
}

// Get returns value stored under key.
func (m *Memory) Get(_ context.Context, key string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, errors.WithStack(ErrClosed)
	}

	v, exists := m.values[key]
	if !exists {
		return nil, false, nil
	}
	return cloneValue(v), true, nil
}

// Put stores value under key.
func (m *Memory) Put(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.WithStack(ErrClosed)
	}

	m.values[key] = cloneValue(value)
	return nil
}

// Delete deletes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.WithStack(ErrClosed)
	}

	delete(m.values, key)
	return nil
}

// List returns entries with keys starting with prefix.
func (m *Memory) List(_ context.Context, prefix string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errors.WithStack(ErrClosed)
	}

	result := map[string]any{}
	for k, v := range m.values {
		if strings.HasPrefix(k, prefix) {
			result[k] = cloneValue(v)
		}
	}
	return result, nil
}

// Close closes the store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.values = nil
	return nil
}

func cloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return bytes.Clone(b)
	}
	return v
}
