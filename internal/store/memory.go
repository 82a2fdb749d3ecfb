package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is the default store backend: a mutex-guarded map of hashes.
// Atomicity of each primitive follows from holding the lock for the whole
// operation. Keys never contain '/', so path.Match gives glob semantics
// where '*' matches any run of characters.
type Memory struct {
	mu      sync.RWMutex
	hashes  map[string]map[string]string
	timeout time.Duration
}

// NewMemory creates an in-memory store.
func NewMemory(timeout time.Duration) *Memory {
	return &Memory{
		hashes:  make(map[string]map[string]string),
		timeout: timeout,
	}
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, mapErr(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Memory) HMGet(ctx context.Context, key string, fields []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := m.hashes[key][f]; ok {
			result[f] = v
		}
	}
	return result, nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		result[f] = v
	}
	return result, nil
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *Memory) HSetNX(ctx context.Context, key string, fields map[string]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hashes[key]; exists {
		return false, nil
	}
	h := make(map[string]string, len(fields))
	for f, v := range fields {
		h[f] = v
	}
	m.hashes[key] = h
	return true, nil
}

func (m *Memory) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	if cur <= 0 {
		delete(h, field)
		if len(h) == 0 {
			delete(m.hashes, key)
		}
		return 0, nil
	}
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) HDel(ctx context.Context, key string, fields ...string) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := m.hashes[k]; ok {
			delete(m.hashes, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	return nil
}
