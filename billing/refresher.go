package billing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hoa-billing/audit"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/metrics"
)

// =============================================================================
// PENALTY REFRESHER - batch recalculation, one atomic write per document
// =============================================================================

// RefreshFailure is one period document the refresher could not update.
type RefreshFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// RefreshReport summarizes one refresh run.
type RefreshReport struct {
	ClientID         engine.ClientID  `json:"clientId"`
	Domain           engine.Domain    `json:"domain"`
	AsOf             string           `json:"asOf"`
	DocumentsScanned int              `json:"documentsScanned"`
	BillsUpdated     int              `json:"billsUpdated"`
	BillsUnchanged   int              `json:"billsUnchanged"`
	Unresolvable     int              `json:"unresolvable"`
	Failures         []RefreshFailure `json:"failures"`
}

// RefreshPenalties recomputes penaltyAmount on every unpaid or partial bill
// of a domain as of asOf. The batch is not atomic: each period document is
// its own unit of work, failures are collected, and re-running is idempotent.
func (s *Service) RefreshPenalties(ctx context.Context, clientID engine.ClientID, domain engine.Domain, asOf time.Time) (*RefreshReport, error) {
	start := time.Now()
	cfg, err := ReadConfig(ctx, s.Store, clientID)
	if err != nil {
		return nil, err
	}
	if _, err := cfg.Domain(domain); err != nil {
		return nil, err
	}
	loc := cfg.Location()

	paths, err := s.ListPeriodPaths(ctx, clientID, domain)
	if err != nil {
		return nil, err
	}

	report := &RefreshReport{
		ClientID: clientID,
		Domain:   domain,
		AsOf:     asOf.In(loc).Format("2006-01-02"),
		Failures: []RefreshFailure{},
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.DocumentsScanned++

		var updated, unchanged, unresolvable int
		err := docstore.RunWithRetry(ctx, s.Store, s.Retries, func(ctx context.Context, tx docstore.Tx) error {
			updated, unchanged, unresolvable = 0, 0, 0

			cfg, err := LoadConfig(tx, clientID)
			if err != nil {
				return err
			}
			dc, err := cfg.Domain(domain)
			if err != nil {
				return err
			}
			doc, err := docstore.GetAs[PeriodDocument](tx, path)
			if err != nil || doc == nil {
				return err
			}

			for _, b := range doc.SortedBills() {
				if b.Status == StatusPaid {
					unchanged++
					continue
				}
				res, changed := ApplyPenalty(b, dc, asOf, loc)
				if res.Unresolvable {
					unresolvable++
				}
				if changed {
					updated++
				} else {
					unchanged++
				}
			}
			if updated == 0 {
				return nil
			}
			return tx.Set(path, doc)
		})
		if err != nil {
			report.Failures = append(report.Failures, RefreshFailure{Path: path, Reason: err.Error()})
			s.Logger.Warn("penalty refresh failed", zap.String("path", path), zap.Error(err))
			continue
		}
		report.BillsUpdated += updated
		report.BillsUnchanged += unchanged
		report.Unresolvable += unresolvable
		if updated > 0 {
			s.Cache.Invalidate(ctx, CacheKey(clientID, domain, docstore.Base(path)))
		}
	}

	metrics.AddPenaltyUpdates(string(domain), "updated", report.BillsUpdated)
	metrics.AddPenaltyUpdates(string(domain), "unchanged", report.BillsUnchanged)
	metrics.AddPenaltyUpdates(string(domain), "unresolvable", report.Unresolvable)
	metrics.AddPenaltyUpdates(string(domain), "failed", len(report.Failures))
	metrics.ObserveOperation("refresh_penalties", metrics.ResultSuccess, time.Since(start))

	s.Logger.Info("penalties refreshed",
		zap.String("client_id", string(clientID)),
		zap.String("domain", string(domain)),
		zap.Int("documents", report.DocumentsScanned),
		zap.Int("updated", report.BillsUpdated),
		zap.Int("failures", len(report.Failures)))
	if report.BillsUpdated > 0 {
		audit.Write(ctx, s.Audit, s.Logger, engine.AuditEntry{
			ClientID:     clientID,
			Module:       engine.AuditModuleBilling,
			Action:       engine.AuditActionPenalty,
			ParentPath:   engine.BillsPrefix(clientID, domain),
			FriendlyName: "Penalty refresh " + report.AsOf,
		})
	}
	return report, nil
}
