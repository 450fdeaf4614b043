package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by backends for absent keys.
var ErrNotFound = errors.New("session: record not found")

// Meta is the backend's view of a record without reading its contents.
type Meta struct {
	Key     Key
	ModTime time.Time
	Size    int64
}

// Backend stores opaque, already-encrypted blobs. Put replaces the whole
// record atomically.
type Backend interface {
	Put(ctx context.Context, key Key, data []byte, modTime time.Time) error
	Get(ctx context.Context, key Key) ([]byte, error)
	Stat(ctx context.Context, key Key) (Meta, error)
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context) ([]Meta, error)
}

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[Key]memRecord
}

type memRecord struct {
	data    []byte
	modTime time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[Key]memRecord)}
}

func (m *MemoryBackend) Put(_ context.Context, key Key, data []byte, modTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = memRecord{data: append([]byte(nil), data...), modTime: modTime}
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), r.data...), nil
}

func (m *MemoryBackend) Stat(_ context.Context, key Key) (Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return Meta{Key: key, ModTime: r.modTime, Size: int64(len(r.data))}, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryBackend) List(_ context.Context) ([]Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Meta, 0, len(m.records))
	for k, r := range m.records {
		out = append(out, Meta{Key: k, ModTime: r.modTime, Size: int64(len(r.data))})
	}
	sortMetas(out)
	return out, nil
}

// Corrupt overwrites a record's bytes in place, keeping its timestamp.
// Used to simulate damaged storage.
func (m *MemoryBackend) Corrupt(key Key, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[key]
	r.data = data
	m.records[key] = r
}

func sortMetas(metas []Meta) {
	sort.Slice(metas, func(i, j int) bool {
		a, b := metas[i].Key, metas[j].Key
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.ProjectID < b.ProjectID
	})
}
