/*
Package sqlite provides a SQLite-backed implementation of docstore.Store.

PURPOSE:
  Persists billing documents (bill periods, credit ledgers, transactions,
  accounts, client config, audit entries) as JSON rows keyed by path. The
  same table layout works on PostgreSQL with minor dialect differences.

KEY TABLES:
  documents:    path -> JSON body, version, updated_at
  doc_sequence: single-row store-wide version counter

VERSIONING:
  Every write takes the next value of doc_sequence. A document that is
  deleted and recreated therefore never returns to a version a reader may
  have observed before the delete.

COMMIT:
  RunTransaction executes the unit of work against committed state with no
  database transaction open. Commit then opens one sql.Tx, verifies every
  version in the read set, and applies all buffered upserts and deletes.
  Any mismatch rolls back and returns engine.ConflictError.

CONCURRENCY:
  Commits are serialized with a mutex. Reads are not.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/hoa.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - docstore/store.go: Interface definitions
  - docstore/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
)

// Store implements docstore.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS doc_sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO doc_sequence (id, value)
		SELECT 1, COALESCE(MAX(version), 0) FROM documents;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Get(ctx context.Context, path string) (*docstore.Document, error) {
	return getDocument(ctx, s.db, path)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q queryer, path string) (*docstore.Document, error) {
	var (
		data      string
		version   int64
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM documents WHERE path = ?`, path,
	).Scan(&data, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return &docstore.Document{Path: path, Data: []byte(data), Version: version, UpdatedAt: ts}, nil
}

// List returns every document below prefix ordered by path.
// '0' is the byte after '/', so the range covers exactly prefix + "/...".
func (s *Store) List(ctx context.Context, prefix string) ([]*docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, data, version, updated_at FROM documents
		 WHERE path >= ? AND path < ? ORDER BY path`,
		prefix+"/", prefix+"0",
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var result []*docstore.Document
	for rows.Next() {
		var (
			doc       docstore.Document
			data      string
			updatedAt string
		)
		if err := rows.Scan(&doc.Path, &data, &doc.Version, &updatedAt); err != nil {
			return nil, err
		}
		doc.Data = []byte(data)
		doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		result = append(result, &doc)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (docstore.Store interface)
// =============================================================================

// RunTransaction executes fn as one unit of work with optimistic concurrency.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	buf := docstore.NewBuffer(ctx, s.Get)
	if err := fn(ctx, buf); err != nil {
		return err
	}
	if len(buf.Mutations()) == 0 {
		return nil
	}
	return s.commit(ctx, buf)
}

func (s *Store) commit(ctx context.Context, buf *docstore.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for path, want := range buf.Reads() {
		doc, err := getDocument(ctx, sqlTx, path)
		if err != nil {
			return err
		}
		var have int64
		if doc != nil {
			have = doc.Version
		}
		if have != want {
			return &engine.ConflictError{Path: path}
		}
	}

	var seq int64
	if err := sqlTx.QueryRowContext(ctx, `SELECT value FROM doc_sequence WHERE id = 1`).Scan(&seq); err != nil {
		return fmt.Errorf("read sequence: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, m := range buf.Mutations() {
		if m.Delete {
			if _, err := sqlTx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, m.Path); err != nil {
				return fmt.Errorf("delete %s: %w", m.Path, err)
			}
			continue
		}
		seq++
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO documents (path, data, version, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET data = excluded.data, version = excluded.version, updated_at = excluded.updated_at`,
			m.Path, string(m.Data), seq, now,
		)
		if err != nil {
			return fmt.Errorf("write %s: %w", m.Path, err)
		}
	}

	if _, err := sqlTx.ExecContext(ctx, `UPDATE doc_sequence SET value = ? WHERE id = 1`, seq); err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	return sqlTx.Commit()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all documents (for testing/demo). The sequence is kept.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	return err
}

var _ docstore.Store = (*Store)(nil)
