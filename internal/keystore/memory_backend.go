package keystore

import (
	"context"
	"os"
	"sort"
	"sync"
)

// MemoryBackend keeps secrets in process memory. Used by tests and throwaway clients.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[Kind]map[string][]byte
}

// NewMemoryBackend returns an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[Kind]map[string][]byte)}
}

func (m *MemoryBackend) Put(ctx context.Context, scope string, kind Kind, secret []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntry(scope, kind, secret); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byScope, ok := m.entries[kind]
	if !ok {
		byScope = make(map[string][]byte)
		m.entries[kind] = byScope
	}
	if existing, ok := byScope[scope]; ok {
		zeroBytes(existing)
	}
	byScope[scope] = cloneBytes(secret)
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, scope string, kind Kind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(scope, kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.entries[kind][scope]
	if !ok {
		return nil, os.ErrNotExist
	}
	return cloneBytes(secret), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, scope string, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(scope, kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[kind][scope]; ok {
		zeroBytes(existing)
		delete(m.entries[kind], scope)
	}
	return nil
}

func (m *MemoryBackend) AllScopes(ctx context.Context, kind Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	scopes := make([]string, 0, len(m.entries[kind]))
	for scope := range m.entries[kind] {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}
