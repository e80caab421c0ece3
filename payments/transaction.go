/*
Package payments records payment transactions.

PURPOSE:
  A payment is cash received into an account for one unit. Recording it is
  one atomic unit of work that touches up to four kinds of documents:

    bill period documents  payment records on each bill paid
    credit ledger          overpayment added, or credit consumed
    account                balance += amount
    transaction            the payment itself, with its allocations

ALLOCATIONS:
  Every centavo of a transaction is accounted for by an allocation:

    hoa_base / hoa_penalty       targetId "hoa/{periodId}/{unitId}"
    water_base / water_penalty   targetId "water/{periodId}/{unitId}"
    credit_added                 targetId "{unitId}", positive
    credit_used                  targetId "{unitId}", negative

  so Σ allocations[].amount == amount. Reversal reads these back to find
  every document the payment touched.

LEGACY RECORDS:
  Older transactions carry a categoryId and a duesDistribution list instead
  of (or beside) allocations. They are still read; see reversal.Classify.
*/
package payments

import (
	"context"
	"strings"
	"time"

	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
)

// Allocation types.
const (
	AllocHOABase      = "hoa_base"
	AllocHOAPenalty   = "hoa_penalty"
	AllocWaterBase    = "water_base"
	AllocWaterPenalty = "water_penalty"
	AllocCreditAdded  = "credit_added"
	AllocCreditUsed   = "credit_used"
)

// Payment sources.
const (
	SourceManual = "manual"
	SourceImport = "import"
)

// BaseAllocation returns the base-charge allocation type of a domain.
func BaseAllocation(d engine.Domain) string { return string(d) + "_base" }

// PenaltyAllocation returns the penalty allocation type of a domain.
func PenaltyAllocation(d engine.Domain) string { return string(d) + "_penalty" }

// AllocationDomain returns the bill domain of a bill allocation type.
func AllocationDomain(allocType string) (engine.Domain, bool) {
	for _, suffix := range []string{"_base", "_penalty"} {
		if d, ok := strings.CutSuffix(allocType, suffix); ok && engine.Domain(d).IsValid() {
			return engine.Domain(d), true
		}
	}
	return "", false
}

// Allocation is a tagged sub-amount of a transaction.
type Allocation struct {
	Type     string         `json:"type"`
	TargetID string         `json:"targetId"`
	Amount   money.Centavos `json:"amount"`
}

// DuesLine is one entry of the legacy duesDistribution field.
type DuesLine struct {
	PeriodID string         `json:"periodId"`
	UnitID   engine.UnitID  `json:"unitId"`
	Amount   money.Centavos `json:"amount"`
}

// Transaction is stored at clients/{clientId}/transactions/{id}.
type Transaction struct {
	ID          engine.TransactionID `json:"id"`
	ClientID    engine.ClientID      `json:"clientId"`
	UnitID      engine.UnitID        `json:"unitId"`
	AccountID   engine.AccountID     `json:"accountId"`
	Amount      money.Centavos       `json:"amount"`
	Date        string               `json:"date"`
	Allocations []Allocation         `json:"allocations"`
	Metadata    map[string]string    `json:"metadata,omitempty"`
	Note        string               `json:"note"`
	Source      string               `json:"source"`
	CreatedAt   time.Time            `json:"createdAt"`

	// legacy
	CategoryID       string     `json:"categoryId,omitempty"`
	DuesDistribution []DuesLine `json:"duesDistribution,omitempty"`
}

// AllocationsTotal is Σ allocations[].amount.
func (t *Transaction) AllocationsTotal() money.Centavos {
	var total money.Centavos
	for _, a := range t.Allocations {
		total = total.Add(a.Amount)
	}
	return total
}

// Account is stored at clients/{clientId}/accounts/{accountId}.
// OpeningBalance is money held before the first recorded transaction;
// Balance is OpeningBalance plus Σ transaction amounts.
type Account struct {
	ClientID       engine.ClientID  `json:"clientId"`
	AccountID      engine.AccountID `json:"accountId"`
	Name           string           `json:"name"`
	OpeningBalance money.Centavos   `json:"openingBalance,omitempty"`
	Balance        money.Centavos   `json:"balance"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// =============================================================================
// READS
// =============================================================================

// GetTransaction loads one transaction. Missing -> NotFoundError.
func GetTransaction(ctx context.Context, store docstore.Store, clientID engine.ClientID, id engine.TransactionID) (*Transaction, error) {
	t, err := docstore.Load[Transaction](ctx, store, engine.TransactionPath(clientID, id))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &engine.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return t, nil
}

// ListTransactions returns every transaction of a client, optionally
// restricted to one account.
func ListTransactions(ctx context.Context, store docstore.Store, clientID engine.ClientID, accountID engine.AccountID) ([]Transaction, error) {
	docs, err := store.List(ctx, engine.TransactionsPrefix(clientID))
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(docs))
	for _, d := range docs {
		var t Transaction
		if err := d.Decode(&t); err != nil {
			return nil, err
		}
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
