// Package memory provides an in-memory docstore.Store.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu   sync.RWMutex
	docs map[string]record
	seq  int64 // store-wide version sequence; a recreated document never reuses a version
	now  func() time.Time

	// beforeCommit runs once, between the next unit of work and its commit
	// check. Tests use it to inject a concurrent writer.
	beforeCommit func()
}

type record struct {
	data      json.RawMessage
	version   int64
	updatedAt time.Time
}

func New() *Store {
	return &Store{
		docs: make(map[string]record),
		now:  time.Now,
	}
}

// OnBeforeCommit installs a one-shot hook executed before the next commit check.
func (m *Store) OnBeforeCommit(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeCommit = fn
}

func (m *Store) Get(_ context.Context, path string) (*docstore.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(path), nil
}

func (m *Store) getLocked(path string) *docstore.Document {
	r, ok := m.docs[path]
	if !ok {
		return nil
	}
	return &docstore.Document{
		Path:      path,
		Data:      append(json.RawMessage(nil), r.data...),
		Version:   r.version,
		UpdatedAt: r.updatedAt,
	}
}

func (m *Store) List(_ context.Context, prefix string) ([]*docstore.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*docstore.Document
	for path := range m.docs {
		if docstore.InPrefix(path, prefix) {
			result = append(result, m.getLocked(path))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// RunTransaction runs fn against a buffered view and commits it atomically.
// fn runs without holding the store lock, so concurrent units of work
// really do race and the loser gets a ConflictError.
func (m *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	buf := docstore.NewBuffer(ctx, m.Get)
	if err := fn(ctx, buf); err != nil {
		// Rollback is implicit: nothing was applied.
		return err
	}

	m.mu.Lock()
	hook := m.beforeCommit
	m.beforeCommit = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for path, version := range buf.Reads() {
		if m.docs[path].version != version {
			return &engine.ConflictError{Path: path}
		}
	}

	now := m.now()
	for _, mut := range buf.Mutations() {
		if mut.Delete {
			delete(m.docs, mut.Path)
			continue
		}
		m.seq++
		m.docs[mut.Path] = record{data: mut.Data, version: m.seq, updatedAt: now}
	}
	return nil
}

// Len returns the number of stored documents.
func (m *Store) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

var _ docstore.Store = (*Store)(nil)
