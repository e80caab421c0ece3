/*
Package credit implements the per-unit credit ledger.

PURPOSE:
  Each unit carries a credit balance built from overpayments, manual
  adjustments and credit consumed by later payments. The balance is never
  stored authoritatively: it is a fold over the entry history.

CRITICAL INVARIANTS:
  1. creditBalance == Σ history[].amount, always
  2. history[i].balanceAfter == Σ history[0..i].amount after every fold
  3. Balance never goes below zero unless the client explicitly allows it

WHY REPLAY INSTEAD OF A COUNTER?
  Reversal removes entries by transaction id and refolds what remains.
  Entries written out of order, or left behind by earlier partial
  corrections, are healed by the next fold instead of being baked into a
  running total.

EXAMPLE:
  history: [+300 (tx A), -100 (tx B), +50 (manual)]  balance 250
  Reverse(tx A): [-100, +50]                         balance -50  (rejected
                                                     unless negative allowed)

SEE ALSO:
  - service.go: store-backed Ledger (append, history, reverse)
  - reversal/: removes entries inside a larger unit of work
*/
package credit

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
)

// Entry sources for non-bill credit movements.
const (
	SourceManual     = "manual"
	SourceOverpay    = "overpayment"
	SourceCreditUsed = "credit_used"
)

// Entry is one credit balance change.
type Entry struct {
	ID            string                `json:"id"`
	Timestamp     time.Time             `json:"timestamp"`
	Amount        money.Centavos        `json:"amount"`
	BalanceAfter  money.Centavos        `json:"balanceAfter"`
	TransactionID *engine.TransactionID `json:"transactionId"`
	Note          string                `json:"note"`
	Source        string                `json:"source"`
}

// IsFor reports whether the entry was produced by transaction id.
func (e Entry) IsFor(id engine.TransactionID) bool {
	return e.TransactionID != nil && *e.TransactionID == id
}

// TxRef returns a nullable transaction reference.
func TxRef(id engine.TransactionID) *engine.TransactionID {
	if id == "" {
		return nil
	}
	return &id
}

// Document is the stored credit ledger of one unit.
type Document struct {
	ClientID      engine.ClientID `json:"clientId"`
	UnitID        engine.UnitID   `json:"unitId"`
	CreditBalance money.Centavos  `json:"creditBalance"`
	History       []Entry         `json:"history"`
}

// NewDocument returns an empty ledger.
func NewDocument(clientID engine.ClientID, unitID engine.UnitID) *Document {
	return &Document{ClientID: clientID, UnitID: unitID, History: []Entry{}}
}

// =============================================================================
// FOLD
// =============================================================================

// Fold orders history chronologically (stable for equal timestamps),
// rewrites every balanceAfter and returns the resulting balance.
func Fold(history []Entry) ([]Entry, money.Centavos) {
	out := make([]Entry, len(history))
	copy(out, history)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	var balance money.Centavos
	for i := range out {
		balance = balance.Add(out[i].Amount)
		out[i].BalanceAfter = balance
	}
	return out, balance
}

// Refold recomputes history order, running balances and creditBalance.
func (d *Document) Refold() {
	d.History, d.CreditBalance = Fold(d.History)
}

// Append adds an entry and refolds. The resulting balance must stay
// non-negative unless allowNegative is set; the document is untouched on error.
func (d *Document) Append(e Entry, allowNegative bool) (previous, next money.Centavos, err error) {
	_, previous = Fold(d.History)

	history := append(append([]Entry(nil), d.History...), e)
	folded, next := Fold(history)
	if next.IsNegative() && !allowNegative {
		return previous, previous, &engine.InsufficientCreditError{
			UnitID:    d.UnitID,
			Available: int64(previous),
			Requested: int64(e.Amount.Neg()),
		}
	}

	d.History, d.CreditBalance = folded, next
	return previous, next, nil
}

// ReverseResult reports what Reverse removed.
type ReverseResult struct {
	Removed  []Entry
	Amount   money.Centavos // Σ amount of the removed entries
	Previous money.Centavos
	New      money.Centavos
}

// Reverse removes every entry tagged with id and refolds the remainder.
// The document is untouched when the refolded balance would go negative
// and allowNegative is false.
func (d *Document) Reverse(id engine.TransactionID, allowNegative bool) (ReverseResult, error) {
	_, previous := Fold(d.History)

	kept := make([]Entry, 0, len(d.History))
	var removed []Entry
	var amount money.Centavos
	for _, e := range d.History {
		if e.IsFor(id) {
			removed = append(removed, e)
			amount = amount.Add(e.Amount)
			continue
		}
		kept = append(kept, e)
	}

	folded, next := Fold(kept)
	res := ReverseResult{Removed: removed, Amount: amount, Previous: previous, New: next}
	if next.IsNegative() && !allowNegative && len(removed) > 0 {
		return res, engine.Invalid("creditBalance",
			"reversing transaction %s would leave unit %s with credit %s; the credit was already used",
			id, d.UnitID, next)
	}

	d.History, d.CreditBalance = folded, next
	return res, nil
}

// Check verifies the standing invariants of a stored ledger.
func (d *Document) Check() error {
	var balance money.Centavos
	for i, e := range d.History {
		balance = balance.Add(e.Amount)
		if e.BalanceAfter != balance {
			return fmt.Errorf("entry %d (%s): balanceAfter %d, fold %d", i, e.ID, e.BalanceAfter, balance)
		}
	}
	if d.CreditBalance != balance {
		return fmt.Errorf("creditBalance %d, fold %d", d.CreditBalance, balance)
	}
	return nil
}
