package objstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store. Conditional writes are atomic.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	version int
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object), now: time.Now}
}

// Get returns a copy of the stored object.
func (m *Memory) Get(_ context.Context, key string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	return &Object{Data: data, ETag: obj.ETag, ModTime: obj.ModTime}, nil
}

// Put stores data under key subject to cond.
func (m *Memory) Put(_ context.Context, key string, data []byte, cond Condition) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.objects[key]
	if cond.IfAbsent && exists {
		return "", ErrPreconditionFailed
	}
	if cond.IfMatch != "" && (!exists || cur.ETag != cond.IfMatch) {
		return "", ErrPreconditionFailed
	}

	m.version++
	etag := strconv.Itoa(m.version)
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[key] = Object{Data: stored, ETag: etag, ModTime: m.now()}
	return etag, nil
}

// Delete removes key. Missing keys return ErrNotFound.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

// Exists reports whether key is present.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}
