// Package reconcile periodically compares the ledger against the
// on-chain escrow state. The chain is authoritative for fund movement:
// where the two disagree, the ledger is synced forward when the fix is
// unambiguous and flagged for operations otherwise.
package reconcile

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/tradegate/settlement/internal/chain"
	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/metrics"
	"github.com/tradegate/settlement/internal/transaction"
)

const sweepBatchSize = 500

// Gateway is the read surface the reconciler needs.
type Gateway interface {
	GetStatus(ctx context.Context, escrowID *big.Int) (chain.EscrowStatus, error)
}

// Reconciler runs the periodic ledger/chain sweep.
type Reconciler struct {
	ledger   *transaction.Ledger
	gateway  Gateway
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a reconciler sweeping at the given interval.
func New(ledger *transaction.Ledger, gateway Gateway, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		ledger:   ledger,
		gateway:  gateway,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Sweep runs one reconciliation pass and returns the drift count.
func (r *Reconciler) Sweep(ctx context.Context) int {
	log := logging.L(ctx)

	open, err := r.ledger.ListOpenEscrows(ctx, sweepBatchSize)
	if err != nil {
		log.Error("reconcile: listing open escrows failed", "error", err)
		return 0
	}

	drift := 0
	for _, t := range open {
		escrowID, ok := new(big.Int).SetString(t.EscrowID, 10)
		if !ok {
			log.Error("reconcile: malformed escrow id",
				"transaction_id", t.ID, "escrow_id", t.EscrowID)
			drift++
			continue
		}

		status, err := r.gateway.GetStatus(ctx, escrowID)
		if err != nil {
			log.Warn("reconcile: status read failed",
				"transaction_id", t.ID, "escrow_id", t.EscrowID, "error", err)
			continue
		}

		if r.check(ctx, t, status) {
			drift++
		}
	}

	metrics.EscrowDrift.Set(float64(drift))
	log.Info("reconcile sweep complete", "checked", len(open), "drift", drift)
	return drift
}

// check compares one transaction against its on-chain escrow. Returns
// true when the two disagreed.
func (r *Reconciler) check(ctx context.Context, t *transaction.Transaction, status chain.EscrowStatus) bool {
	log := logging.L(ctx)

	switch status.State {
	case chain.EscrowCreated, chain.EscrowActive:
		// Funds held on-chain. Agrees with everything except a ledger
		// that thinks settlement already happened.
		if t.Status == transaction.StatusEscrowReleased {
			r.flag(ctx, t, "ledger records release but escrow still holds funds on-chain")
			return true
		}
		return false

	case chain.EscrowReleased:
		switch t.Status {
		case transaction.StatusEscrowReleased:
			// Release landed; only the final close-out is missing.
			if _, err := r.ledger.Advance(ctx, t.ID, transaction.StatusCompleted,
				transaction.ActorSystem, "settlement completion recovered by reconciliation"); err != nil {
				log.Error("reconcile: completing released transaction failed",
					"transaction_id", t.ID, "error", err)
			}
			return true
		case transaction.StatusConfirmed:
			// A release we never saw confirm. Chain wins; sync forward.
			log.Warn("reconcile: on-chain release not recorded; syncing ledger",
				"transaction_id", t.ID, "escrow_id", t.EscrowID)
			if _, err := r.ledger.MarkReleased(ctx, t.ID, t.SettlementTxHash); err != nil {
				log.Error("reconcile: syncing release failed", "transaction_id", t.ID, "error", err)
				r.flag(ctx, t, "escrow released on-chain but ledger sync failed")
				return true
			}
			if _, err := r.ledger.Advance(ctx, t.ID, transaction.StatusCompleted,
				transaction.ActorSystem, "settlement reconciled from chain"); err != nil {
				log.Error("reconcile: completing synced transaction failed",
					"transaction_id", t.ID, "error", err)
			}
			return true
		default:
			r.flag(ctx, t, "escrow released on-chain while ledger is in "+string(t.Status))
			return true
		}

	case chain.EscrowRefunded:
		if t.Status == transaction.StatusDisputed {
			log.Warn("reconcile: on-chain refund not recorded; syncing ledger",
				"transaction_id", t.ID, "escrow_id", t.EscrowID)
			if _, err := r.ledger.MarkRefunded(ctx, t.ID, t.SettlementTxHash,
				"refund reconciled from chain"); err != nil {
				log.Error("reconcile: syncing refund failed", "transaction_id", t.ID, "error", err)
				r.flag(ctx, t, "escrow refunded on-chain but ledger sync failed")
			}
			return true
		}
		r.flag(ctx, t, "escrow refunded on-chain while ledger is in "+string(t.Status))
		return true

	case chain.EscrowDisputed:
		if t.Status != transaction.StatusDisputed {
			r.flag(ctx, t, "escrow disputed on-chain while ledger is in "+string(t.Status))
			return true
		}
		return false

	default:
		// Unknown contract status code: surface, never guess.
		r.flag(ctx, t, "escrow reports unknown on-chain status")
		log.Error("reconcile: unknown escrow status code",
			"transaction_id", t.ID, "escrow_id", t.EscrowID, "code", status.Code)
		return true
	}
}

func (r *Reconciler) flag(ctx context.Context, t *transaction.Transaction, note string) {
	if t.NeedsAttention {
		return
	}
	if _, err := r.ledger.FlagAttention(ctx, t.ID, note); err != nil {
		logging.L(ctx).Error("reconcile: flagging transaction failed",
			"transaction_id", t.ID, "error", err)
	}
}
