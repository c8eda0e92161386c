// Package memory implements an in-process blob.Store, used in subinode
// manager/payments tests in place of a durable backend, reduced to this
// package's Get/Set/Exists/Del shape.
package memory

import (
	"context"
	"fmt"
	"sync"
)

type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Close(_ context.Context) error {
	return nil
}

func (m *Memory) Set(_ context.Context, key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp

	return nil
}

func (m *Memory) Get(_ context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("no such key: %x", key)
	}

	cp := make([]byte, len(v))
	copy(cp, v)

	return cp, nil
}

func (m *Memory) Exists(_ context.Context, key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.data[string(key)]

	return ok, nil
}

func (m *Memory) Del(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, string(key))

	return nil
}
