package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/hoa-billing/audit"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/metrics"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// LEDGER SERVICE - store-backed credit ledger operations
// =============================================================================

// Ledger runs credit operations as atomic units of work.
type Ledger struct {
	Store   docstore.Store
	Clock   clock.Clock
	Audit   engine.AuditSink
	Logger  *zap.Logger
	Retries int

	newID func() string
}

func NewLedger(store docstore.Store, clk clock.Clock) *Ledger {
	return &Ledger{
		Store:   store,
		Clock:   clk,
		Audit:   engine.NopAuditSink{},
		Logger:  zap.NewNop(),
		Retries: 3,
		newID:   uuid.NewString,
	}
}

// policy is the slice of the client billing configuration the ledger needs.
type policy struct {
	AllowNegativeCredit bool `json:"allowNegativeCredit"`
}

func loadPolicy(tx docstore.Tx, clientID engine.ClientID) (policy, error) {
	p, err := docstore.GetAs[policy](tx, engine.ConfigPath(clientID))
	if err != nil || p == nil {
		return policy{}, err
	}
	return *p, nil
}

// AppendInput is the record-payment (credit) operation input.
type AppendInput struct {
	ClientID      engine.ClientID
	UnitID        engine.UnitID
	Amount        money.Centavos // signed: positive adds credit, negative consumes it
	TransactionID engine.TransactionID
	Note          string
	Source        string
	UserID        string
}

// AppendResult is the record-payment (credit) operation output.
type AppendResult struct {
	Previous money.Centavos `json:"previousBalance"`
	New      money.Centavos `json:"newBalance"`
	Entry    Entry          `json:"entry"`
}

func (in AppendInput) validate() error {
	if err := engine.CheckID("clientId", string(in.ClientID)); err != nil {
		return err
	}
	if err := engine.CheckID("unitId", string(in.UnitID)); err != nil {
		return err
	}
	if in.TransactionID != "" {
		if err := engine.CheckID("transactionId", string(in.TransactionID)); err != nil {
			return err
		}
	}
	if in.Amount.IsZero() {
		return engine.Invalid("amount", "must be non-zero")
	}
	return nil
}

// Append records one credit movement. It fails with InsufficientCreditError
// when the balance would go negative and the client does not allow it.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	start := time.Now()
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if in.Source == "" {
		in.Source = SourceManual
	}

	path := engine.CreditPath(in.ClientID, in.UnitID)
	var result AppendResult
	attempt := 0
	err := docstore.RunWithRetry(ctx, l.Store, l.Retries, func(ctx context.Context, tx docstore.Tx) error {
		if attempt++; attempt > 1 {
			metrics.IncConflictRetry("credit_append")
		}

		// gather
		pol, err := loadPolicy(tx, in.ClientID)
		if err != nil {
			return err
		}
		doc, err := docstore.GetAs[Document](tx, path)
		if err != nil {
			return err
		}
		if doc == nil {
			doc = NewDocument(in.ClientID, in.UnitID)
		}

		// mutate
		entry := Entry{
			ID:            l.newID(),
			Timestamp:     l.Clock.Now().UTC(),
			Amount:        in.Amount,
			TransactionID: TxRef(in.TransactionID),
			Note:          in.Note,
			Source:        in.Source,
		}
		prev, next, err := doc.Append(entry, pol.AllowNegativeCredit)
		if err != nil {
			return err
		}
		result = AppendResult{Previous: prev, New: next, Entry: entry}
		for _, e := range doc.History {
			if e.ID == entry.ID {
				result.Entry = e
			}
		}
		return tx.Set(path, doc)
	})
	metrics.ObserveOperation("credit_append", metrics.Result(err, engine.IsRetryable(err)), time.Since(start))
	if err != nil {
		return AppendResult{}, err
	}

	l.Logger.Info("credit appended",
		zap.String("client_id", string(in.ClientID)),
		zap.String("unit_id", string(in.UnitID)),
		zap.Int64("amount", int64(in.Amount)),
		zap.Int64("balance", int64(result.New)))
	audit.Write(ctx, l.Audit, l.Logger, engine.AuditEntry{
		ClientID:     in.ClientID,
		Module:       engine.AuditModuleCredit,
		Action:       engine.AuditActionAdjust,
		ParentPath:   docstore.Parent(path),
		DocID:        string(in.UnitID),
		FriendlyName: fmt.Sprintf("Credit %s for unit %s", in.Amount, in.UnitID),
		Notes:        in.Note,
		UserID:       in.UserID,
	})
	return result, nil
}

// History returns up to limit entries newest first (limit <= 0 means all)
// and the current balance. A unit with no ledger has an empty history.
func (l *Ledger) History(ctx context.Context, clientID engine.ClientID, unitID engine.UnitID, limit int) ([]Entry, money.Centavos, error) {
	doc, err := docstore.Load[Document](ctx, l.Store, engine.CreditPath(clientID, unitID))
	if err != nil {
		return nil, 0, err
	}
	if doc == nil {
		return []Entry{}, 0, nil
	}
	folded, balance := Fold(doc.History)

	out := make([]Entry, 0, len(folded))
	for i := len(folded) - 1; i >= 0; i-- {
		out = append(out, folded[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, balance, nil
}

// Balance returns the folded balance of a unit.
func (l *Ledger) Balance(ctx context.Context, clientID engine.ClientID, unitID engine.UnitID) (money.Centavos, error) {
	_, balance, err := l.History(ctx, clientID, unitID, 1)
	return balance, err
}

// Reverse removes the entries of one transaction from a unit's ledger in its
// own unit of work. Reversals of whole payments go through reversal/, which
// does the same inside the larger transaction.
func (l *Ledger) Reverse(ctx context.Context, clientID engine.ClientID, unitID engine.UnitID, txID engine.TransactionID) (ReverseResult, error) {
	path := engine.CreditPath(clientID, unitID)
	var result ReverseResult
	err := docstore.RunWithRetry(ctx, l.Store, l.Retries, func(ctx context.Context, tx docstore.Tx) error {
		pol, err := loadPolicy(tx, clientID)
		if err != nil {
			return err
		}
		doc, err := docstore.GetAs[Document](tx, path)
		if err != nil {
			return err
		}
		if doc == nil {
			return &engine.NotFoundError{Kind: "credit ledger", ID: string(unitID)}
		}
		result, err = doc.Reverse(txID, pol.AllowNegativeCredit)
		if err != nil {
			return err
		}
		if len(result.Removed) == 0 {
			return nil
		}
		return tx.Set(path, doc)
	})
	if err != nil {
		return ReverseResult{}, err
	}
	l.Logger.Info("credit reversed",
		zap.String("client_id", string(clientID)),
		zap.String("unit_id", string(unitID)),
		zap.String("transaction_id", string(txID)),
		zap.Int("entries_removed", len(result.Removed)))
	return result, nil
}
