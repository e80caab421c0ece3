package reversal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hoa-billing/audit"
	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/credit"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/metrics"
	"github.com/warp/hoa-billing/money"
	"github.com/warp/hoa-billing/payments"
)

// State is where a transaction is in its reversal.
type State string

const (
	StateActive         State = "active"
	StateReversing      State = "reversing"
	StateDeleted        State = "deleted"
	StateReversalFailed State = "reversal_failed"
)

// Skip is one referenced piece that no longer existed.
type Skip struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result reports what a reversal did, for the caller and the audit trail.
type Result struct {
	Success              bool                 `json:"success"`
	TransactionID        engine.TransactionID `json:"transactionId"`
	Kind                 Kind                 `json:"kind"`
	State                State                `json:"state"`
	BillsReversed        int                  `json:"billsReversed"`
	CreditReversalAmount money.Centavos       `json:"creditReversalAmount"`
	CreditEntriesRemoved int                  `json:"creditEntriesRemoved"`
	MonthsCleared        []string             `json:"monthsCleared"`
	AccountBalanceDelta  money.Centavos       `json:"accountBalanceDelta"`
	Skipped              []Skip               `json:"skipped"`
	Warnings             []string             `json:"warnings"`
}

func (r *Result) skip(kind, path, format string, args ...any) {
	r.Skipped = append(r.Skipped, Skip{Kind: kind, Path: path, Reason: fmt.Sprintf(format, args...)})
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator reverses and deletes payment transactions.
type Coordinator struct {
	Store   docstore.Store
	Cache   billing.PeriodCache
	Clock   clock.Clock
	Audit   engine.AuditSink
	Logger  *zap.Logger
	Retries int

	// Rebuilder, when set, recomputes the account balance after each
	// successful reversal. Its failure is logged only.
	Rebuilder *BalanceRebuilder
}

func NewCoordinator(store docstore.Store, cache billing.PeriodCache, clk clock.Clock) *Coordinator {
	return &Coordinator{
		Store:   store,
		Cache:   billing.OrNop(cache),
		Clock:   clk,
		Audit:   engine.NopAuditSink{},
		Logger:  zap.NewNop(),
		Retries: 3,
	}
}

// creditPolicy is the slice of the client configuration reversal needs. It
// is read without full validation so a broken configuration never blocks
// cleanup.
type creditPolicy struct {
	AllowNegativeCredit bool `json:"allowNegativeCredit"`
}

// ReverseAndDelete undoes every effect of a transaction and deletes it, in
// one atomic unit of work. On failure the returned Result is in state
// reversal_failed and no document has changed.
func (c *Coordinator) ReverseAndDelete(ctx context.Context, clientID engine.ClientID, txID engine.TransactionID, userID string) (*Result, error) {
	start := time.Now()
	result := &Result{TransactionID: txID, State: StateActive}
	if err := engine.CheckID("clientId", string(clientID)); err != nil {
		return c.fail(result, start, err)
	}
	if err := engine.CheckID("transactionId", string(txID)); err != nil {
		return c.fail(result, start, err)
	}

	var (
		accountID engine.AccountID
		unitID    engine.UnitID
		touched   []string
		attempt   int
	)
	err := docstore.RunWithRetry(ctx, c.Store, c.Retries, func(ctx context.Context, tx docstore.Tx) error {
		if attempt++; attempt > 1 {
			metrics.IncConflictRetry("reverse_transaction")
		}
		*result = Result{TransactionID: txID, State: StateReversing}
		touched = nil

		// ===== GATHER =====

		txPath := engine.TransactionPath(clientID, txID)
		t, err := docstore.GetAs[payments.Transaction](tx, txPath)
		if err != nil {
			return err
		}
		if t == nil {
			return &engine.NotFoundError{Kind: "transaction", ID: string(txID)}
		}
		accountID, unitID = t.AccountID, t.UnitID

		class := Classify(t)
		result.Kind = class.Kind
		if class.Kind == KindUnknown {
			result.warn("transaction shape not recognized (%s); reversed as ledger-only", class.Reason)
		} else if class.Reason != "" {
			result.warn("%s", class.Reason)
		}

		pol, err := docstore.GetAs[creditPolicy](tx, engine.ConfigPath(clientID))
		if err != nil {
			return err
		}
		allowNegative := pol != nil && pol.AllowNegativeCredit

		var account *payments.Account
		accountPath := engine.AccountPath(clientID, t.AccountID)
		if t.AccountID != "" {
			if account, err = docstore.GetAs[payments.Account](tx, accountPath); err != nil {
				return err
			}
		}

		creditPath := engine.CreditPath(clientID, t.UnitID)
		ledger, err := docstore.GetAs[credit.Document](tx, creditPath)
		if err != nil {
			return err
		}

		type periodDoc struct {
			path    string
			doc     *billing.PeriodDocument
			targets []BillTarget
		}
		var periods []*periodDoc
		if class.ReversesBills() {
			byPath := make(map[string]*periodDoc)
			for _, target := range class.Targets {
				path := target.Path(clientID)
				pd, seen := byPath[path]
				if !seen {
					doc, err := docstore.GetAs[billing.PeriodDocument](tx, path)
					if err != nil {
						return err
					}
					pd = &periodDoc{path: path, doc: doc}
					byPath[path] = pd
					periods = append(periods, pd)
				}
				pd.targets = append(pd.targets, target)
			}
		}

		// ===== MUTATE =====

		if err := tx.Delete(txPath); err != nil {
			return err
		}

		if account == nil {
			result.skip("account", accountPath, "account %q not found", t.AccountID)
		} else {
			account.Balance = account.Balance.Sub(t.Amount)
			account.UpdatedAt = c.Clock.Now().UTC()
			result.AccountBalanceDelta = t.Amount.Neg()
			if err := tx.Set(accountPath, account); err != nil {
				return err
			}
		}

		switch {
		case ledger == nil && class.CreditTouched:
			result.skip("credit_ledger", creditPath, "credit ledger of unit %s not found", t.UnitID)
		case ledger != nil:
			rev, err := ledger.Reverse(txID, allowNegative)
			if err != nil {
				return err
			}
			result.CreditReversalAmount = rev.Amount
			result.CreditEntriesRemoved = len(rev.Removed)
			if len(rev.Removed) > 0 {
				if err := tx.Set(creditPath, ledger); err != nil {
					return err
				}
			} else if class.CreditTouched {
				result.warn("no credit entries tagged with %s on unit %s", txID, t.UnitID)
			}
		}

		months := make(map[string]bool)
		for _, pd := range periods {
			if pd.doc == nil {
				result.skip("bill_period", pd.path, "bill period document not found")
				continue
			}
			changed := false
			for _, target := range pd.targets {
				bill := pd.doc.Bills[target.UnitID]
				if bill == nil {
					result.skip("bill", pd.path, "no bill for unit %s", target.UnitID)
					continue
				}
				if removed := bill.RemovePayments(txID); len(removed) == 0 {
					result.warn("bill %s carries no payment record for %s", target, txID)
					continue
				}
				changed = true
				result.BillsReversed++
				months[target.PeriodID] = true
			}
			if changed {
				if err := tx.Set(pd.path, pd.doc); err != nil {
					return err
				}
				touched = append(touched, billing.CacheKey(clientID, pd.doc.Domain, pd.doc.PeriodID))
			}
		}
		result.MonthsCleared = make([]string, 0, len(months))
		for m := range months {
			result.MonthsCleared = append(result.MonthsCleared, m)
		}
		sort.Strings(result.MonthsCleared)
		return nil
	})
	if err != nil {
		return c.fail(result, start, err)
	}

	result.Success = true
	result.State = StateDeleted
	if result.Skipped == nil {
		result.Skipped = []Skip{}
	}
	if result.Warnings == nil {
		result.Warnings = []string{}
	}
	c.after(ctx, clientID, accountID, unitID, userID, result, touched)
	metrics.ObserveOperation("reverse_transaction", metrics.ResultSuccess, time.Since(start))
	return result, nil
}

func (c *Coordinator) fail(result *Result, start time.Time, err error) (*Result, error) {
	result.Success = false
	result.State = StateReversalFailed
	result.BillsReversed, result.CreditReversalAmount, result.CreditEntriesRemoved = 0, 0, 0
	result.AccountBalanceDelta = 0
	result.MonthsCleared, result.Skipped = []string{}, []Skip{}
	if result.Warnings == nil {
		result.Warnings = []string{}
	}

	kind := string(result.Kind)
	if kind == "" {
		kind = "unclassified"
	}
	metrics.IncReversal(kind, string(result.State))
	metrics.ObserveOperation("reverse_transaction", metrics.Result(err, engine.IsRetryable(err)), time.Since(start))
	c.Logger.Warn("transaction reversal failed",
		zap.String("transaction_id", string(result.TransactionID)),
		zap.String("kind", string(result.Kind)),
		zap.Error(err))
	return result, err
}

// after runs the post-commit side effects. None of them can change the outcome.
func (c *Coordinator) after(ctx context.Context, clientID engine.ClientID, accountID engine.AccountID, unitID engine.UnitID, userID string, result *Result, touched []string) {
	for _, key := range touched {
		c.Cache.Invalidate(ctx, key)
	}
	metrics.IncReversal(string(result.Kind), string(result.State))
	metrics.AddReversalSkipped(string(result.Kind), len(result.Skipped))

	for _, s := range result.Skipped {
		c.Logger.Warn("reversal skipped missing document",
			zap.String("transaction_id", string(result.TransactionID)),
			zap.String("kind", s.Kind),
			zap.String("path", s.Path))
	}
	c.Logger.Info("transaction reversed",
		zap.String("client_id", string(clientID)),
		zap.String("unit_id", string(unitID)),
		zap.String("transaction_id", string(result.TransactionID)),
		zap.String("kind", string(result.Kind)),
		zap.Int("bills_reversed", result.BillsReversed),
		zap.Int64("credit_reversed", int64(result.CreditReversalAmount)),
		zap.Int("skipped", len(result.Skipped)))

	audit.Write(ctx, c.Audit, c.Logger, engine.AuditEntry{
		ClientID:     clientID,
		Module:       engine.AuditModulePayments,
		Action:       engine.AuditActionDelete,
		ParentPath:   engine.TransactionsPrefix(clientID),
		DocID:        string(result.TransactionID),
		FriendlyName: fmt.Sprintf("Reversed payment %s", result.TransactionID),
		Notes: fmt.Sprintf("%d bills reversed, credit %s, months %v",
			result.BillsReversed, result.CreditReversalAmount, result.MonthsCleared),
		UserID: userID,
	})

	if c.Rebuilder != nil && accountID != "" {
		if _, err := c.Rebuilder.Rebuild(ctx, clientID, accountID); err != nil {
			c.Logger.Warn("account balance rebuild failed",
				zap.String("client_id", string(clientID)),
				zap.String("account_id", string(accountID)),
				zap.Error(err))
		}
	}
}
