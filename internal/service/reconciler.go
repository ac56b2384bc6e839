package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/punchamoorthee/rewardops/internal/models"
	"github.com/punchamoorthee/rewardops/internal/settlement"
)

// Reconciler resolves attempts that were broadcast but never confirmed in
// the request path (confirmation timeout, process crash). It only touches
// rows carrying a transaction hash: for those the chain is the source of
// truth. Hashless pending rows are surfaced via the pending gauge and left
// to an operator.
type Reconciler struct {
	ledger        Ledger
	wallet        settlement.TokenWallet
	log           *slog.Logger
	interval      time.Duration
	confirmations int
	minAge        time.Duration
	batchSize     int
}

func NewReconciler(ledger Ledger, wallet settlement.TokenWallet, log *slog.Logger, interval time.Duration, confirmations int) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if confirmations <= 0 {
		confirmations = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		ledger:        ledger,
		wallet:        wallet,
		log:           log,
		interval:      interval,
		confirmations: confirmations,
		minAge:        interval,
		batchSize:     100,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	attempts, err := r.ledger.ListPendingBroadcasts(ctx, r.minAge, r.batchSize)
	if err != nil {
		r.log.Error("reconciler list failed", "error", err)
		return
	}
	for _, attempt := range attempts {
		r.resolve(ctx, attempt)
	}
	r.updatePendingGauge(ctx)
}

func (r *Reconciler) resolve(ctx context.Context, attempt models.RewardAttempt) {
	status, err := r.wallet.CheckReceipt(ctx, attempt.TxHash, r.confirmations)
	if err != nil {
		r.log.Warn("reconciler receipt check failed",
			"attempt_id", attempt.ID, "tx_hash", attempt.TxHash, "error", err)
		return
	}
	switch status {
	case settlement.ReceiptConfirmed:
		if err := r.ledger.CompleteAttempt(ctx, attempt.ID, models.StatusSettled, attempt.TxHash, ""); err != nil {
			r.log.Error("reconciler mark settled failed", "attempt_id", attempt.ID, "error", err)
			return
		}
		rewardsIssued.WithLabelValues(attempt.EventKind).Inc()
		r.log.Info("reconciled attempt as settled",
			"attempt_id", attempt.ID, "tx_hash", attempt.TxHash)
	case settlement.ReceiptReverted:
		if err := r.ledger.CompleteAttempt(ctx, attempt.ID, models.StatusFailed, attempt.TxHash, "transaction reverted"); err != nil {
			r.log.Error("reconciler mark failed failed", "attempt_id", attempt.ID, "error", err)
			return
		}
		settlementErrors.WithLabelValues("reverted").Inc()
		r.log.Warn("reconciled attempt as reverted",
			"attempt_id", attempt.ID, "tx_hash", attempt.TxHash)
	default:
		// Not found or shallow: leave for the next sweep.
	}
}

func (r *Reconciler) updatePendingGauge(ctx context.Context) {
	withHash, withoutHash, err := r.ledger.CountPending(ctx)
	if err != nil {
		r.log.Error("reconciler pending count failed", "error", err)
		return
	}
	pendingAttempts.WithLabelValues("with_hash").Set(float64(withHash))
	pendingAttempts.WithLabelValues("without_hash").Set(float64(withoutHash))
}
