package docstore

import (
	"context"
	"sync"
	"time"
)

type memDoc struct {
	data      []byte
	version   Version
	createdAt time.Time
}

// Memory is an in-process Store for tests and local development.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]*memDoc
	next        Version
	now         func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the clock used for creation timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		collections: make(map[string]map[string]*memDoc),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: clone(doc.data), Version: doc.version, CreatedAt: doc.createdAt}, nil
}

func (m *Memory) Create(_ context.Context, collection, id string, data []byte) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]*memDoc)
		m.collections[collection] = docs
	}
	if _, exists := docs[id]; exists {
		return 0, ErrAlreadyExists
	}
	m.next++
	docs[id] = &memDoc{data: clone(data), version: m.next, createdAt: m.now()}
	return m.next, nil
}

func (m *Memory) PutIfVersion(_ context.Context, collection, id string, data []byte, expected Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return 0, ErrNotFound
	}
	if doc.version != expected {
		return 0, ErrVersionConflict
	}
	m.next++
	doc.data = clone(data)
	doc.version = m.next
	return m.next, nil
}

func (m *Memory) Query(_ context.Context, collection string, q Query) ([]Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for id, doc := range m.collections[collection] {
		ok, err := Match(doc.data, q.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Document{ID: id, Data: clone(doc.data), Version: doc.version, CreatedAt: doc.createdAt})
		}
	}
	SortNewestFirst(out)
	return Page(out, q.Limit, q.Offset), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
