/*
scheduler.go - Automated penalty refresh scheduler

PURPOSE:
  Periodically recomputes late-payment penalties on every unpaid or partial
  bill, so stored penaltyAmount values track the calendar without anyone
  calling the refresh endpoint.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Refreshes every enabled domain of each client; a client whose
    configuration is missing or invalid is logged and skipped
  - Each bill period document is its own unit of work, so a failure in one
    client never blocks the others and the next run simply retries

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled:       Whether scheduler is active (default: true)
  - Clients:       Client ids to refresh; empty means every client in the
                   index written by billing.SaveConfig

USAGE:
  scheduler := NewPenaltyScheduler(handler.Store, handler.Billing, clk)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RefreshPenalties endpoint (manual refresh)
  - billing/refresher.go: the batch itself
*/
package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
)

// RunSummary totals one scheduler pass.
type RunSummary struct {
	StartedAt    time.Time `json:"started_at"`
	Clients      int       `json:"clients"`
	Domains      int       `json:"domains"`
	BillsUpdated int       `json:"bills_updated"`
	Failures     int       `json:"failures"`
}

// PenaltyScheduler handles automated penalty refresh.
type PenaltyScheduler struct {
	Store         docstore.Store
	Billing       *billing.Service
	Clock         clock.Clock
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool
	Clients       []engine.ClientID

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *RunSummary
}

// NewPenaltyScheduler creates a new scheduler.
func NewPenaltyScheduler(store docstore.Store, svc *billing.Service, clk clock.Clock) *PenaltyScheduler {
	return &PenaltyScheduler{
		Store:         store,
		Billing:       svc,
		Clock:         clk,
		Logger:        zap.NewNop(),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (ps *PenaltyScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.Logger.Info("penalty scheduler disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ps.ticker = time.NewTicker(ps.CheckInterval)
	ps.stop = make(chan struct{})
	ps.wg.Add(1)

	go ps.run(ps.ticker, ps.stop)

	ps.Logger.Info("penalty scheduler started", zap.Duration("interval", ps.CheckInterval))
}

// Stop stops the scheduler and waits for a running pass to finish.
func (ps *PenaltyScheduler) Stop() {
	ps.mu.Lock()
	ticker, stop := ps.ticker, ps.stop
	ps.ticker = nil
	ps.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
		ps.wg.Wait()
		ps.Logger.Info("penalty scheduler stopped")
	}
}

func (ps *PenaltyScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ps.wg.Done()

	// Run immediately on start
	ps.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			ps.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one refresh pass over every client.
func (ps *PenaltyScheduler) RunNow(ctx context.Context) RunSummary {
	now := ps.Clock.Now()
	summary := RunSummary{StartedAt: now}

	clients, err := ps.clients(ctx)
	if err != nil {
		ps.Logger.Error("penalty scheduler could not list clients", zap.Error(err))
		return summary
	}

	for _, clientID := range clients {
		cfg, err := billing.ReadConfig(ctx, ps.Store, clientID)
		if err != nil {
			ps.Logger.Warn("penalty refresh skipped client",
				zap.String("client_id", string(clientID)),
				zap.Error(err))
			summary.Failures++
			continue
		}
		summary.Clients++

		for _, domain := range enabledDomains(cfg) {
			report, err := ps.Billing.RefreshPenalties(ctx, clientID, domain, now)
			if err != nil {
				ps.Logger.Warn("penalty refresh failed",
					zap.String("client_id", string(clientID)),
					zap.String("domain", string(domain)),
					zap.Error(err))
				summary.Failures++
				continue
			}
			summary.Domains++
			summary.BillsUpdated += report.BillsUpdated
			summary.Failures += len(report.Failures)
		}
	}

	if summary.BillsUpdated > 0 || summary.Failures > 0 {
		ps.Logger.Info("penalty refresh completed",
			zap.Int("clients", summary.Clients),
			zap.Int("domains", summary.Domains),
			zap.Int("bills_updated", summary.BillsUpdated),
			zap.Int("failures", summary.Failures))
	}

	ps.mu.Lock()
	ps.lastRun = &summary
	ps.mu.Unlock()
	return summary
}

// LastRun returns the summary of the most recent pass, if any.
func (ps *PenaltyScheduler) LastRun() *RunSummary {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastRun
}

// GetNextRunTime returns when the next scheduled check will occur.
func (ps *PenaltyScheduler) GetNextRunTime() time.Time {
	return ps.Clock.Now().Add(ps.CheckInterval)
}

// clients returns the configured client list, or every client indexed by
// billing.SaveConfig.
func (ps *PenaltyScheduler) clients(ctx context.Context) ([]engine.ClientID, error) {
	if len(ps.Clients) > 0 {
		return ps.Clients, nil
	}
	return billing.ListConfiguredClients(ctx, ps.Store)
}

func enabledDomains(cfg *billing.ClientConfig) []engine.Domain {
	var out []engine.Domain
	for d, dc := range cfg.Domains {
		if dc.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
