// Package audit provides engine.AuditSink implementations.
//
// Audit entries are written after the unit of work they describe has
// committed. A sink failure is logged and counted, never returned to the
// caller of the operation.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/metrics"
)

// =============================================================================
// DOCSTORE SINK
// =============================================================================

// DocstoreSink stores each entry as clients/{clientId}/audit/{uuid}.
type DocstoreSink struct {
	store docstore.Store
	now   func() time.Time
	newID func() string
}

func NewDocstoreSink(store docstore.Store) *DocstoreSink {
	return &DocstoreSink{store: store, now: time.Now, newID: uuid.NewString}
}

func (s *DocstoreSink) Record(ctx context.Context, entry engine.AuditEntry) error {
	if entry.ClientID == "" {
		return errors.New("audit: entry without client id")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	path := engine.AuditPrefix(entry.ClientID) + "/" + s.newID()
	return docstore.Save(ctx, s.store, path, entry)
}

// List returns a client's audit entries (unordered ids, ordered by path).
func (s *DocstoreSink) List(ctx context.Context, clientID engine.ClientID) ([]engine.AuditEntry, error) {
	docs, err := s.store.List(ctx, engine.AuditPrefix(clientID))
	if err != nil {
		return nil, err
	}
	out := make([]engine.AuditEntry, 0, len(docs))
	for _, d := range docs {
		var e engine.AuditEntry
		if err := d.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes entries as structured log lines.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, e engine.AuditEntry) error {
	s.log.Info("audit",
		zap.String("client_id", string(e.ClientID)),
		zap.String("module", e.Module),
		zap.String("action", e.Action),
		zap.String("parent_path", e.ParentPath),
		zap.String("doc_id", e.DocID),
		zap.String("friendly_name", e.FriendlyName),
		zap.String("notes", e.Notes),
		zap.String("user_id", e.UserID),
	)
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi records to every sink and joins their errors.
type Multi []engine.AuditSink

func (m Multi) Record(ctx context.Context, e engine.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Write records entry on sink after a commit. Failures are logged and
// counted but never change the outcome of the operation.
func Write(ctx context.Context, sink engine.AuditSink, log *zap.Logger, entry engine.AuditEntry) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, entry); err != nil {
		metrics.IncAuditWriteError()
		if log != nil {
			log.Warn("audit write failed",
				zap.String("module", entry.Module),
				zap.String("action", entry.Action),
				zap.String("doc_id", entry.DocID),
				zap.Error(err))
		}
	}
}

var (
	_ engine.AuditSink = (*DocstoreSink)(nil)
	_ engine.AuditSink = (*LogSink)(nil)
	_ engine.AuditSink = Multi(nil)
)
