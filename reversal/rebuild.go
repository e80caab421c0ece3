package reversal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/metrics"
	"github.com/warp/hoa-billing/money"
	"github.com/warp/hoa-billing/payments"
)

// =============================================================================
// ACCOUNT BALANCE REBUILD
// =============================================================================

// BalanceRebuilder recomputes an account balance as its opening balance plus
// the transactions still recorded against it. It runs outside any payment or
// reversal unit of work.
type BalanceRebuilder struct {
	Store   docstore.Store
	Clock   clock.Clock
	Logger  *zap.Logger
	Retries int
}

func NewBalanceRebuilder(store docstore.Store, clk clock.Clock) *BalanceRebuilder {
	return &BalanceRebuilder{Store: store, Clock: clk, Logger: zap.NewNop(), Retries: 3}
}

// Rebuild sets the account balance to openingBalance + Σ amount of its
// transactions and returns the new balance. Money not backed by a transaction
// must live in openingBalance or it is dropped here.
func (r *BalanceRebuilder) Rebuild(ctx context.Context, clientID engine.ClientID, accountID engine.AccountID) (money.Centavos, error) {
	start := time.Now()
	listed, err := payments.ListTransactions(ctx, r.Store, clientID, accountID)
	if err != nil {
		return 0, err
	}

	var balance, previous money.Centavos
	path := engine.AccountPath(clientID, accountID)
	err = docstore.RunWithRetry(ctx, r.Store, r.Retries, func(ctx context.Context, tx docstore.Tx) error {
		account, err := docstore.GetAs[payments.Account](tx, path)
		if err != nil {
			return err
		}
		if account == nil {
			return &engine.NotFoundError{Kind: "account", ID: string(accountID)}
		}

		// Re-read each listed transaction so a concurrent delete aborts the
		// commit instead of being summed.
		balance = account.OpeningBalance
		for _, t := range listed {
			current, err := docstore.GetAs[payments.Transaction](tx, engine.TransactionPath(clientID, t.ID))
			if err != nil {
				return err
			}
			if current != nil && current.AccountID == accountID {
				balance = balance.Add(current.Amount)
			}
		}

		previous = account.Balance
		if previous == balance {
			return nil
		}
		account.Balance = balance
		account.UpdatedAt = r.Clock.Now().UTC()
		return tx.Set(path, account)
	})
	metrics.ObserveOperation("rebuild_balance", metrics.Result(err, engine.IsRetryable(err)), time.Since(start))
	if err != nil {
		return 0, err
	}

	if previous != balance {
		r.Logger.Info("account balance rebuilt",
			zap.String("client_id", string(clientID)),
			zap.String("account_id", string(accountID)),
			zap.Int64("previous", int64(previous)),
			zap.Int64("balance", int64(balance)),
			zap.Int("transactions", len(listed)))
	}
	return balance, nil
}
