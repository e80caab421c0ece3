package engine

import (
	"context"
	"time"
)

// =============================================================================
// AUDIT LOG - Separate from the ledgers, tracks who did what when
// =============================================================================

// AuditEntry records one user-visible action against a document.
type AuditEntry struct {
	ClientID     ClientID  `json:"clientId"`
	Module       string    `json:"module"`
	Action       string    `json:"action"`
	ParentPath   string    `json:"parentPath"`
	DocID        string    `json:"docId"`
	FriendlyName string    `json:"friendlyName"`
	Notes        string    `json:"notes"`
	UserID       string    `json:"userId"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	AuditModuleBilling  = "billing"
	AuditModulePayments = "payments"
	AuditModuleCredit   = "credit"

	AuditActionGenerate = "generate"
	AuditActionPenalty  = "penalty_refresh"
	AuditActionCreate   = "create"
	AuditActionDelete   = "delete"
	AuditActionAdjust   = "adjust"
)

// AuditSink accepts audit entries. Writes happen outside the atomic unit of
// work; a failing sink never changes an operation's outcome.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// NopAuditSink discards entries.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditEntry) error { return nil }
