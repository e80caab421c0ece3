/*
Package reversal undoes a payment transaction across every document it touched.

PURPOSE:
  A payment writes to bills, the credit ledger, an account and the
  transaction document. Deleting it must put all of them back in one atomic
  unit of work: the caller sees full success or nothing at all.

STATE MACHINE:
  active -> reversing -> deleted           (terminal)
  active -> reversing -> reversal_failed   (terminal, nothing written)

FLOW:
  1. Classify   pure; decides which bills the payment touched
  2. Gather     transaction, account, credit ledger, referenced bill periods
  3. Mutate     delete transaction, account -= amount, strip ledger entries
                and refold, strip bill payment records and recompute
  4. Commit     conflict -> retry from step 1 with fresh reads
  5. After      cache invalidation, audit, best-effort balance rebuild

MISSING PIECES:
  A referenced account, ledger, bill period document or unit bill that no
  longer exists is skipped and reported, so cleanup keeps making progress
  against partially reversed or migrated data.

SEE ALSO:
  - coordinator.go: ReverseAndDelete
  - rebuild.go:     account balance rebuild job
*/
package reversal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/payments"
)

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Kind is the shape of a transaction as far as reversal is concerned.
type Kind string

const (
	KindHOA        Kind = "hoa"         // dues bills only
	KindWater      Kind = "water"       // water bills only
	KindUnified    Kind = "unified"     // bills of more than one domain
	KindLedgerOnly Kind = "ledger_only" // no bills: account and credit only
	KindUnknown    Kind = "unknown"     // unreadable shape, reversed as ledger-only
)

// BillTarget is one unit bill a transaction paid into.
type BillTarget struct {
	Domain   engine.Domain
	PeriodID string
	UnitID   engine.UnitID
}

// Path returns the bill period document holding the target.
func (t BillTarget) Path(clientID engine.ClientID) string {
	return engine.BillPeriodPath(clientID, t.Domain, t.PeriodID)
}

func (t BillTarget) String() string { return engine.BillTargetID(t.Domain, t.PeriodID, t.UnitID) }

// Classification is computed once per attempt and drives the whole reversal.
type Classification struct {
	Kind          Kind
	Targets       []BillTarget
	CreditTouched bool
	Reason        string
}

// ReversesBills reports whether bill cleanup runs for this kind.
func (c Classification) ReversesBills() bool {
	switch c.Kind {
	case KindHOA, KindWater, KindUnified:
		return true
	}
	return false
}

// Classify inspects allocations, and the legacy categoryId/duesDistribution
// fields for older records, to find the bills a transaction touched.
func Classify(t *payments.Transaction) Classification {
	var c Classification
	targets := make(map[BillTarget]bool)

	for i, a := range t.Allocations {
		switch a.Type {
		case payments.AllocCreditAdded, payments.AllocCreditUsed:
			c.CreditTouched = true
			continue
		}
		domain, ok := payments.AllocationDomain(a.Type)
		if !ok {
			return unknown(c, fmt.Sprintf("allocation %d has unknown type %q", i, a.Type))
		}
		td, period, unit, ok := engine.ParseBillTargetID(a.TargetID)
		if !ok {
			return unknown(c, fmt.Sprintf("allocation %d has unreadable targetId %q", i, a.TargetID))
		}
		if td != domain {
			return unknown(c, fmt.Sprintf("allocation %d is %s but targets a %s bill", i, a.Type, td))
		}
		targets[BillTarget{Domain: domain, PeriodID: period, UnitID: unit}] = true
	}

	if len(targets) == 0 {
		for _, line := range t.DuesDistribution {
			if line.PeriodID == "" {
				return unknown(c, "duesDistribution entry without periodId")
			}
			unit := line.UnitID
			if unit == "" {
				unit = t.UnitID
			}
			targets[BillTarget{Domain: legacyDomain(t.CategoryID), PeriodID: line.PeriodID, UnitID: unit}] = true
		}
	}

	c.Targets = sortedTargets(targets)
	domains := make(map[engine.Domain]bool)
	for _, tg := range c.Targets {
		domains[tg.Domain] = true
	}
	switch {
	case len(domains) > 1:
		c.Kind = KindUnified
	case domains[engine.DomainHOA]:
		c.Kind = KindHOA
	case domains[engine.DomainWater]:
		c.Kind = KindWater
	default:
		c.Kind = KindLedgerOnly
		if len(t.Allocations) == 0 && t.CategoryID != "" {
			c.Reason = fmt.Sprintf("legacy category %q without bill references", t.CategoryID)
		}
	}
	return c
}

func unknown(c Classification, reason string) Classification {
	return Classification{Kind: KindUnknown, CreditTouched: c.CreditTouched, Reason: reason}
}

// legacyDomain maps an old categoryId onto a bill domain. Dues were the only
// distributed category before water billing existed.
func legacyDomain(categoryID string) engine.Domain {
	if strings.Contains(strings.ToLower(categoryID), "water") {
		return engine.DomainWater
	}
	return engine.DomainHOA
}

func sortedTargets(set map[BillTarget]bool) []BillTarget {
	out := make([]BillTarget, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
