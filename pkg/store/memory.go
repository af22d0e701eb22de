package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps records in process memory. Records are copied on the way
// in and out so callers never share buffers with the backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Load(_ context.Context, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	record, ok := b.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return append([]byte(nil), record...), nil
}

func (b *MemoryBackend) Store(_ context.Context, id string, record []byte) error {
	if err := validateID(id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[id] = append([]byte(nil), record...)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(b.records, id)
	return nil
}

func (b *MemoryBackend) IDs(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *MemoryBackend) Close() error { return nil }
