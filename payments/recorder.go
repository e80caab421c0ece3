package payments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/hoa-billing/audit"
	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/credit"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/metrics"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// RECORDER
// =============================================================================

// Recorder records payments as single atomic units of work.
type Recorder struct {
	Store   docstore.Store
	Cache   billing.PeriodCache
	Clock   clock.Clock
	Audit   engine.AuditSink
	Logger  *zap.Logger
	Retries int

	newID func() string
}

func NewRecorder(store docstore.Store, cache billing.PeriodCache, clk clock.Clock) *Recorder {
	return &Recorder{
		Store:   store,
		Cache:   billing.OrNop(cache),
		Clock:   clk,
		Audit:   engine.NopAuditSink{},
		Logger:  zap.NewNop(),
		Retries: 3,
		newID:   uuid.NewString,
	}
}

// PaymentInput describes one payment received for a unit.
type PaymentInput struct {
	ClientID      engine.ClientID
	UnitID        engine.UnitID
	AccountID     engine.AccountID
	Amount        money.Centavos
	Date          string               // YYYY-MM-DD in the client timezone; empty means today
	TransactionID engine.TransactionID // generated when empty
	Note          string
	Source        string
	UseCredit     bool
	Domains       []engine.Domain // bill domains to pay; empty means every enabled domain
	Metadata      map[string]string
	UserID        string
}

// PaymentResult is what a recorded payment did.
type PaymentResult struct {
	TransactionID         engine.TransactionID     `json:"transactionId"`
	Allocations           []Allocation             `json:"allocations"`
	Bills                 []billing.BillAllocation `json:"bills"`
	ResidualCredit        money.Centavos           `json:"residualCredit"`
	CreditUsed            money.Centavos           `json:"creditUsed"`
	PreviousCreditBalance money.Centavos           `json:"previousCreditBalance"`
	NewCreditBalance      money.Centavos           `json:"newCreditBalance"`
	AccountBalance        money.Centavos           `json:"accountBalance"`
}

func (in PaymentInput) validate() error {
	if err := engine.CheckID("clientId", string(in.ClientID)); err != nil {
		return err
	}
	if err := engine.CheckID("unitId", string(in.UnitID)); err != nil {
		return err
	}
	if err := engine.CheckID("accountId", string(in.AccountID)); err != nil {
		return err
	}
	if in.TransactionID != "" {
		if err := engine.CheckID("transactionId", string(in.TransactionID)); err != nil {
			return err
		}
	}
	switch {
	case in.Amount.IsNegative():
		return engine.Invalid("amount", "cannot be negative, got %s", in.Amount)
	case in.Amount.IsZero() && !in.UseCredit:
		return engine.Invalid("amount", "must be positive")
	}
	for _, d := range in.Domains {
		if !d.IsValid() {
			return engine.Invalid("domains", "unknown billing domain %q", d)
		}
	}
	return nil
}

// RecordPayment distributes a payment over the unit's open bills and its
// credit, then writes bills, credit ledger, account and transaction together.
// Any failure leaves every document untouched.
func (r *Recorder) RecordPayment(ctx context.Context, in PaymentInput) (*PaymentResult, error) {
	start := time.Now()
	res, touched, err := r.record(ctx, in)
	metrics.ObserveOperation("record_payment", metrics.Result(err, engine.IsRetryable(err)), time.Since(start))
	if err != nil {
		r.Logger.Warn("payment rejected",
			zap.String("client_id", string(in.ClientID)),
			zap.String("unit_id", string(in.UnitID)),
			zap.Int64("amount", int64(in.Amount)),
			zap.Error(err))
		return nil, err
	}

	for _, key := range touched {
		r.Cache.Invalidate(ctx, key)
	}
	for _, a := range res.Allocations {
		metrics.AddPaymentCentavos(a.Type, int64(a.Amount.Abs()))
	}
	r.Logger.Info("payment recorded",
		zap.String("client_id", string(in.ClientID)),
		zap.String("unit_id", string(in.UnitID)),
		zap.String("transaction_id", string(res.TransactionID)),
		zap.Int64("amount", int64(in.Amount)),
		zap.Int("bills", len(res.Bills)),
		zap.Int64("residual_credit", int64(res.ResidualCredit)),
		zap.Int64("credit_used", int64(res.CreditUsed)))
	audit.Write(ctx, r.Audit, r.Logger, engine.AuditEntry{
		ClientID:     in.ClientID,
		Module:       engine.AuditModulePayments,
		Action:       engine.AuditActionCreate,
		ParentPath:   engine.TransactionsPrefix(in.ClientID),
		DocID:        string(res.TransactionID),
		FriendlyName: fmt.Sprintf("Payment %s for unit %s", in.Amount, in.UnitID),
		Notes:        in.Note,
		UserID:       in.UserID,
	})
	return res, nil
}

func (r *Recorder) record(ctx context.Context, in PaymentInput) (*PaymentResult, []string, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	if in.TransactionID == "" {
		in.TransactionID = engine.TransactionID(r.newID())
	}
	if in.Source == "" {
		in.Source = SourceManual
	}

	cfg, err := billing.ReadConfig(ctx, r.Store, in.ClientID)
	if err != nil {
		return nil, nil, err
	}
	domains, err := payableDomains(cfg, in.Domains)
	if err != nil {
		return nil, nil, err
	}
	// Bill period documents are a collection; candidates are found by a
	// listing here and re-read inside the unit of work.
	paths, err := r.openBillPaths(ctx, in.ClientID, in.UnitID, domains)
	if err != nil {
		return nil, nil, err
	}

	var (
		result  *PaymentResult
		touched []string
		attempt int
	)
	err = docstore.RunWithRetry(ctx, r.Store, r.Retries, func(ctx context.Context, tx docstore.Tx) error {
		if attempt++; attempt > 1 {
			metrics.IncConflictRetry("record_payment")
		}
		touched = nil

		// gather
		cfg, err := billing.LoadConfig(tx, in.ClientID)
		if err != nil {
			return err
		}
		loc := cfg.Location()
		date := in.Date
		if date == "" {
			date = clock.FormatDate(r.Clock.Now(), loc)
		} else if _, err := clock.ParseDate(date, loc); err != nil {
			return engine.Invalid("date", "%v", err)
		}

		unit, err := tx.Get(engine.UnitPath(in.ClientID, in.UnitID))
		if err != nil {
			return err
		}
		if unit == nil {
			return &engine.NotFoundError{Kind: "unit", ID: string(in.UnitID)}
		}
		account, err := docstore.GetAs[Account](tx, engine.AccountPath(in.ClientID, in.AccountID))
		if err != nil {
			return err
		}
		if account == nil {
			return &engine.NotFoundError{Kind: "account", ID: string(in.AccountID)}
		}
		txPath := engine.TransactionPath(in.ClientID, in.TransactionID)
		existing, err := tx.Get(txPath)
		if err != nil {
			return err
		}
		if existing != nil {
			return engine.Invalid("transactionId", "transaction %s already exists", in.TransactionID)
		}
		creditPath := engine.CreditPath(in.ClientID, in.UnitID)
		ledger, err := docstore.GetAs[credit.Document](tx, creditPath)
		if err != nil {
			return err
		}
		if ledger == nil {
			ledger = credit.NewDocument(in.ClientID, in.UnitID)
		}
		_, balance := credit.Fold(ledger.History)

		docs := make(map[string]*billing.PeriodDocument, len(paths))
		var refs []billing.BillRef
		for _, p := range paths {
			doc, err := docstore.GetAs[billing.PeriodDocument](tx, p)
			if err != nil {
				return err
			}
			if doc == nil {
				continue
			}
			if b := doc.Bills[in.UnitID]; b != nil {
				docs[p] = doc
				refs = append(refs, billing.BillRef{Domain: doc.Domain, Bill: b})
			}
		}

		dist, err := billing.Distribute(billing.DistributionInput{
			UnitID:        in.UnitID,
			PaymentAmount: in.Amount,
			CreditBalance: balance,
			UseCredit:     in.UseCredit,
			Bills:         refs,
		})
		if err != nil {
			return err
		}

		// mutate
		now := r.Clock.Now().UTC()
		t := &Transaction{
			ID:          in.TransactionID,
			ClientID:    in.ClientID,
			UnitID:      in.UnitID,
			AccountID:   in.AccountID,
			Amount:      in.Amount,
			Date:        date,
			Allocations: []Allocation{},
			Metadata:    in.Metadata,
			Note:        in.Note,
			Source:      in.Source,
			CreatedAt:   now,
		}

		changed := make(map[string]bool)
		for _, a := range dist.Allocations {
			path := engine.BillPeriodPath(in.ClientID, a.Domain, a.PeriodID)
			doc := docs[path]
			doc.Bills[in.UnitID].AddPayment(billing.PaymentRecord{
				TransactionID:  in.TransactionID,
				Amount:         a.Total(),
				BaseChargePaid: a.BasePaid,
				PenaltyPaid:    a.PenaltyPaid,
				Date:           date,
			})
			changed[path] = true
			if a.PenaltyPaid.IsPositive() {
				t.Allocations = append(t.Allocations, Allocation{Type: PenaltyAllocation(a.Domain), TargetID: a.TargetID(), Amount: a.PenaltyPaid})
			}
			if a.BasePaid.IsPositive() {
				t.Allocations = append(t.Allocations, Allocation{Type: BaseAllocation(a.Domain), TargetID: a.TargetID(), Amount: a.BasePaid})
			}
		}

		result = &PaymentResult{
			TransactionID:         in.TransactionID,
			Bills:                 dist.Allocations,
			ResidualCredit:        dist.ResidualCredit,
			CreditUsed:            dist.CreditUsed,
			PreviousCreditBalance: balance,
			NewCreditBalance:      balance,
		}
		if dist.CreditUsed.IsPositive() {
			_, next, err := ledger.Append(credit.Entry{
				ID:            r.newID(),
				Timestamp:     now,
				Amount:        dist.CreditUsed.Neg(),
				TransactionID: credit.TxRef(in.TransactionID),
				Note:          "Credit applied to bills",
				Source:        credit.SourceCreditUsed,
			}, cfg.AllowNegativeCredit)
			if err != nil {
				return err
			}
			result.NewCreditBalance = next
			t.Allocations = append(t.Allocations, Allocation{Type: AllocCreditUsed, TargetID: string(in.UnitID), Amount: dist.CreditUsed.Neg()})
		}
		if dist.ResidualCredit.IsPositive() {
			_, next, err := ledger.Append(credit.Entry{
				ID:            r.newID(),
				Timestamp:     now,
				Amount:        dist.ResidualCredit,
				TransactionID: credit.TxRef(in.TransactionID),
				Note:          "Overpayment",
				Source:        credit.SourceOverpay,
			}, cfg.AllowNegativeCredit)
			if err != nil {
				return err
			}
			result.NewCreditBalance = next
			t.Allocations = append(t.Allocations, Allocation{Type: AllocCreditAdded, TargetID: string(in.UnitID), Amount: dist.ResidualCredit})
		}
		if t.AllocationsTotal() != in.Amount {
			return engine.Invalid("allocations", "allocations total %s, payment %s", t.AllocationsTotal(), in.Amount)
		}

		account.Balance = account.Balance.Add(in.Amount)
		account.UpdatedAt = now
		result.AccountBalance = account.Balance
		result.Allocations = t.Allocations

		changedPaths := make([]string, 0, len(changed))
		for p := range changed {
			changedPaths = append(changedPaths, p)
		}
		sort.Strings(changedPaths)
		for _, p := range changedPaths {
			if err := tx.Set(p, docs[p]); err != nil {
				return err
			}
			doc := docs[p]
			touched = append(touched, billing.CacheKey(in.ClientID, doc.Domain, doc.PeriodID))
		}
		if !dist.CreditUsed.IsZero() || !dist.ResidualCredit.IsZero() {
			if err := tx.Set(creditPath, ledger); err != nil {
				return err
			}
		}
		if err := tx.Set(engine.AccountPath(in.ClientID, in.AccountID), account); err != nil {
			return err
		}
		return tx.Set(txPath, t)
	})
	if err != nil {
		return nil, nil, err
	}
	return result, touched, nil
}

// payableDomains resolves the requested domains against the configuration.
// An explicitly requested domain must be enabled.
func payableDomains(cfg *billing.ClientConfig, requested []engine.Domain) ([]engine.Domain, error) {
	if len(requested) == 0 {
		var out []engine.Domain
		for _, d := range engine.Domains {
			if _, err := cfg.Domain(d); err == nil {
				out = append(out, d)
			}
		}
		return out, nil
	}
	for _, d := range requested {
		if _, err := cfg.Domain(d); err != nil {
			return nil, err
		}
	}
	return requested, nil
}

// openBillPaths lists the bill period documents holding an unpaid or
// partial bill for the unit.
func (r *Recorder) openBillPaths(ctx context.Context, clientID engine.ClientID, unitID engine.UnitID, domains []engine.Domain) ([]string, error) {
	var paths []string
	for _, d := range domains {
		docs, err := r.Store.List(ctx, engine.BillsPrefix(clientID, d))
		if err != nil {
			return nil, err
		}
		for _, raw := range docs {
			var doc billing.PeriodDocument
			if err := raw.Decode(&doc); err != nil {
				return nil, err
			}
			if b := doc.Bills[unitID]; b != nil && b.Status != billing.StatusPaid {
				paths = append(paths, raw.Path)
			}
		}
	}
	return paths, nil
}
