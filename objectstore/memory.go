package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	parts   map[string]map[int64][]byte
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		parts:   make(map[string]map[int64][]byte),
	}
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return int64(len(data)), nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *Memory) Head(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) PutPart(ctx context.Context, key string, offset int64, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parts[key] == nil {
		m.parts[key] = make(map[int64][]byte)
	}
	m.parts[key][offset] = data
	return int64(len(data)), nil
}

func (m *Memory) CompleteMultipart(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.parts[key]
	if !ok || len(parts) == 0 {
		return 0, ErrNotFound
	}
	offsets := make([]int64, 0, len(parts))
	for off := range parts {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	var assembled []byte
	for _, off := range offsets {
		assembled = append(assembled, parts[off]...)
	}
	m.objects[key] = assembled
	delete(m.parts, key)
	return int64(len(assembled)), nil
}

func (m *Memory) AbortMultipart(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parts, key)
	return nil
}

// Keys lists stored object keys, used by test assertions.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Store = (*Memory)(nil)
var _ Store = (*FS)(nil)
