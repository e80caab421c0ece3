/*
Package docstore defines the transactional document store the engine runs on.

PURPOSE:
  Bills, credit ledgers, transactions and accounts are JSON documents
  addressed by slash-separated paths. There are no relational constraints;
  cross-document consistency comes entirely from atomic units of work.

KEY INTERFACES:
  Store: point reads, prefix listing, RunTransaction
  Tx:    the unit of work handed to RunTransaction

TWO-PHASE RULE:
  Inside a unit of work every read must happen before the first write.
  Tx.Get after a Set/Delete returns ErrReadAfterWrite. Code is therefore
  written as an explicit gather phase followed by a mutate phase, which is
  also what keeps each operation auditable.

OPTIMISTIC CONCURRENCY:
  Every document carries a version. At commit the store checks that each
  document read by the unit of work still has the version that was read
  (absent documents must still be absent). A mismatch aborts the whole unit
  of work with an engine.ConflictError; nothing is applied. Callers retry by
  re-running the operation from scratch.

IMPLEMENTATIONS:
  - docstore/memory: in-memory, for tests and dev
  - store/sqlite: SQLite documents table

SEE ALSO:
  - tx.go: Buffer, the shared read-set/write-set implementation of Tx
*/
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrReadAfterWrite is returned when a unit of work reads after it has written.
var ErrReadAfterWrite = errors.New("docstore: read after write in transaction")

// =============================================================================
// DOCUMENT
// =============================================================================

// Document is a stored JSON body with its concurrency version.
type Document struct {
	Path      string
	Data      json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	return nil
}

// =============================================================================
// STORE
// =============================================================================

// Store is a transactional document store.
type Store interface {
	// Get returns the document at path, or (nil, nil) if it does not exist.
	Get(ctx context.Context, path string) (*Document, error)

	// List returns every document below prefix, ordered by path.
	List(ctx context.Context, prefix string) ([]*Document, error)

	// RunTransaction executes fn as one atomic unit of work.
	// If fn returns an error nothing is written.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is an atomic unit of work. Reads first, then writes.
type Tx interface {
	// Get returns the document at path, or (nil, nil) if it does not exist.
	Get(path string) (*Document, error)

	// Set replaces the document at path with the JSON encoding of v.
	Set(path string, v any) error

	// Delete removes the document at path. Deleting an absent document is a no-op.
	Delete(path string) error
}

// =============================================================================
// TYPED HELPERS
// =============================================================================

// GetAs reads and decodes a document inside a unit of work. Absent -> (nil, nil).
func GetAs[T any](tx Tx, path string) (*T, error) {
	doc, err := tx.Get(path)
	if err != nil || doc == nil {
		return nil, err
	}
	var v T
	if err := doc.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Load reads and decodes a document outside a unit of work. Absent -> (nil, nil).
func Load[T any](ctx context.Context, s Store, path string) (*T, error) {
	doc, err := s.Get(ctx, path)
	if err != nil || doc == nil {
		return nil, err
	}
	var v T
	if err := doc.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Save writes one document in its own unit of work.
func Save(ctx context.Context, s Store, path string, v any) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		return tx.Set(path, v)
	})
}

// =============================================================================
// PATHS
// =============================================================================

// Join builds a document path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Base returns the last path segment (the document id).
func Base(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent returns the path without its last segment.
func Parent(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// InPrefix reports whether path lies below prefix.
func InPrefix(path, prefix string) bool {
	return strings.HasPrefix(path, prefix+"/")
}
