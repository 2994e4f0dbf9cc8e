// Package storage contains in-process implementations of the record store
// and blob store used by the single-process server and by tests.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dharsanguruparan/docflow/internal/model"
)

// MemoryStore keeps document records in a map guarded by an RWMutex. Every
// call is atomic: readers never observe a partially applied patch.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*model.Document
	now  func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*model.Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new record. The stored copy starts at version 1.
func (m *MemoryStore) Create(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("create %s: %w", doc.ID, model.ErrDuplicate)
	}
	now := m.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Version = 1
	m.docs[doc.ID] = doc.Clone()
	return nil
}

// Get returns a copy of the record.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return doc.Clone(), nil
}

// Update applies patch to the record and returns the new state.
func (m *MemoryStore) Update(_ context.Context, id string, patch model.Patch) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != doc.Version {
		return nil, fmt.Errorf("update %s: stored version %d, expected %d: %w", id, doc.Version, patch.ExpectedVersion, model.ErrConflict)
	}
	doc.Apply(patch, m.now())
	return doc.Clone(), nil
}

// Delete removes a record. The pipeline never calls it; it models the
// out-of-band deletion the worker must tolerate.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}
