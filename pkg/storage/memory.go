// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"sync"
)

// MemoryStorage is an in-process Storage for tests and single-process
// prototypes. Values are copied on write and on read.
type MemoryStorage struct {
	mu         sync.RWMutex
	data       map[Namespace]map[string][]byte
	namespaces namespaces
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty store for the given namespaces.
func NewMemoryStorage(nss ...Namespace) (*MemoryStorage, error) {
	set, err := newNamespaces(nss)
	if err != nil {
		return nil, err
	}
	data := make(map[Namespace]map[string][]byte, len(set))
	for ns := range set {
		data[ns] = make(map[string][]byte)
	}
	return &MemoryStorage{data: data, namespaces: set}, nil
}

func (m *MemoryStorage) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.namespaces.guard(ns, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ns][key] = cloneBytes(value)
	return nil
}

func (m *MemoryStorage) SetIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := m.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[ns][key]; exists {
		return false, nil
	}
	m.data[ns][key] = cloneBytes(value)
	return true, nil
}

func (m *MemoryStorage) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := m.namespaces.guard(ns, key); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[ns][key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (m *MemoryStorage) ListKeys(ctx context.Context, ns Namespace) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.namespaces.check(ns); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := m.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[ns][key]; !ok {
		return false, nil
	}
	delete(m.data[ns], key)
	return true, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
