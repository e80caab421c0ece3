package engine

import (
	"fmt"
	"strings"
)

// =============================================================================
// DOCUMENT LAYOUT
// =============================================================================
//
//   clients/{clientId}/bills/{domain}/{periodId}   bill period document
//   clients/{clientId}/credit/{unitId}             credit ledger
//   clients/{clientId}/transactions/{txId}         payment transaction
//   clients/{clientId}/accounts/{accountId}        account balance
//   clients/{clientId}/units/{unitId}              unit (dues schedule)
//   clients/{clientId}/readings/{readingId}        meter reading
//   clients/{clientId}/config/billing              client billing configuration
//   clients/{clientId}/audit/{id}                  audit entry
//   index/clients/{clientId}                       configured client marker

// CheckID rejects an id that cannot be used as exactly one path segment.
// Ids end up in document paths and in allocation targetIds, both split on "/".
func CheckID(field, id string) error {
	if reason := IDProblem(id); reason != "" {
		return Invalid(field, "%s", reason)
	}
	return nil
}

// IDProblem describes what is wrong with id, or returns "" for a usable id.
func IDProblem(id string) string {
	switch {
	case strings.TrimSpace(id) == "":
		return "required"
	case strings.Contains(id, "/"):
		return fmt.Sprintf("must not contain '/', got %q", id)
	case id == "." || id == "..":
		return fmt.Sprintf("must not be %q", id)
	}
	return ""
}

func ClientPath(c ClientID) string { return "clients/" + string(c) }

func BillsPrefix(c ClientID, d Domain) string {
	return ClientPath(c) + "/bills/" + string(d)
}

func BillPeriodPath(c ClientID, d Domain, periodID string) string {
	return BillsPrefix(c, d) + "/" + periodID
}

func CreditPath(c ClientID, u UnitID) string {
	return ClientPath(c) + "/credit/" + string(u)
}

func TransactionsPrefix(c ClientID) string { return ClientPath(c) + "/transactions" }

func TransactionPath(c ClientID, id TransactionID) string {
	return TransactionsPrefix(c) + "/" + string(id)
}

func AccountPath(c ClientID, a AccountID) string {
	return ClientPath(c) + "/accounts/" + string(a)
}

func UnitsPrefix(c ClientID) string { return ClientPath(c) + "/units" }

func UnitPath(c ClientID, u UnitID) string { return UnitsPrefix(c) + "/" + string(u) }

func ReadingsPrefix(c ClientID) string { return ClientPath(c) + "/readings" }

func ReadingPath(c ClientID, id string) string { return ReadingsPrefix(c) + "/" + id }

func ConfigPath(c ClientID) string { return ClientPath(c) + "/config/billing" }

func AuditPrefix(c ClientID) string { return ClientPath(c) + "/audit" }

// ClientIndexPrefix holds one small document per client with a billing configuration.
const ClientIndexPrefix = "index/clients"

func ClientIndexPath(c ClientID) string { return ClientIndexPrefix + "/" + string(c) }

// BillTargetID is the allocation targetId of one unit's bill: "{domain}/{periodId}/{unitId}".
func BillTargetID(d Domain, periodID string, u UnitID) string {
	return string(d) + "/" + periodID + "/" + string(u)
}

// ParseBillTargetID splits a bill allocation targetId. Domains and period ids
// never contain "/", so everything after the second separator is the unit.
func ParseBillTargetID(id string) (Domain, string, UnitID, bool) {
	parts := strings.SplitN(id, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	d := Domain(parts[0])
	if !d.IsValid() {
		return "", "", "", false
	}
	return d, parts[1], UnitID(parts[2]), true
}
