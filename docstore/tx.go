package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/hoa-billing/engine"
)

// =============================================================================
// BUFFER - read set + write set shared by every Store implementation
// =============================================================================

// ReadFunc loads the committed state of one document. Absent -> (nil, nil).
type ReadFunc func(ctx context.Context, path string) (*Document, error)

// Mutation is one buffered write.
type Mutation struct {
	Path   string
	Data   json.RawMessage
	Delete bool
}

// Buffer implements Tx by recording the versions it reads and buffering the
// writes it is asked to make. Implementations commit Reads() and Mutations()
// atomically once the unit of work returns.
type Buffer struct {
	ctx    context.Context
	read   ReadFunc
	reads  map[string]int64
	seen   map[string]*Document
	writes []Mutation
	index  map[string]int
}

// NewBuffer creates an empty unit of work reading through read.
func NewBuffer(ctx context.Context, read ReadFunc) *Buffer {
	return &Buffer{
		ctx:   ctx,
		read:  read,
		reads: make(map[string]int64),
		seen:  make(map[string]*Document),
		index: make(map[string]int),
	}
}

func (b *Buffer) Get(path string) (*Document, error) {
	if len(b.writes) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrReadAfterWrite, path)
	}
	if doc, ok := b.seen[path]; ok {
		return cloneDocument(doc), nil
	}
	doc, err := b.read(b.ctx, path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		b.reads[path] = 0
	} else {
		b.reads[path] = doc.Version
	}
	b.seen[path] = doc
	return cloneDocument(doc), nil
}

func (b *Buffer) Set(path string, v any) error {
	if path == "" {
		return errors.New("docstore: empty path")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	b.put(Mutation{Path: path, Data: data})
	return nil
}

func (b *Buffer) Delete(path string) error {
	if path == "" {
		return errors.New("docstore: empty path")
	}
	b.put(Mutation{Path: path, Delete: true})
	return nil
}

// last write to a path wins, keeping the position of the first one
func (b *Buffer) put(m Mutation) {
	if i, ok := b.index[m.Path]; ok {
		b.writes[i] = m
		return
	}
	b.index[m.Path] = len(b.writes)
	b.writes = append(b.writes, m)
}

// Reads returns path -> version observed (0 for absent documents).
func (b *Buffer) Reads() map[string]int64 { return b.reads }

// Mutations returns the buffered writes in first-write order.
func (b *Buffer) Mutations() []Mutation { return b.writes }

func cloneDocument(d *Document) *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Data = append(json.RawMessage(nil), d.Data...)
	return &c
}

// =============================================================================
// RETRY
// =============================================================================

// RunWithRetry re-runs the whole unit of work while it fails with a
// retryable conflict, up to attempts times. fn must re-read all state.
func RunWithRetry(ctx context.Context, s Store, attempts int, fn func(ctx context.Context, tx Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.RunTransaction(ctx, fn)
		if err == nil || !engine.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
