package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/rewardops/internal/logging"
	"github.com/punchamoorthee/rewardops/internal/models"
	"github.com/punchamoorthee/rewardops/internal/rules"
	"github.com/punchamoorthee/rewardops/internal/settlement"
)

var (
	ErrInvalidWalletAddress = errors.New("invalid wallet address")
	// ErrSettlementPending means the attempt exists and may still succeed;
	// callers poll the read path rather than blocking here.
	ErrSettlementPending = errors.New("settlement pending")
	// ErrPreviouslyFailed replays the recorded terminal failure of a prior
	// attempt under the same occurrence key.
	ErrPreviouslyFailed = errors.New("reward previously failed")
)

var (
	rewardsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_issued_total",
		Help: "Rewards settled on-chain, labeled by event kind",
	}, []string{"event_kind"})

	rewardsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reward_replayed_total",
		Help: "Requests answered from a prior settled attempt with no new transfer",
	})

	settlementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_settlement_errors_total",
		Help: "Settlement failures by classified reason",
	}, []string{"reason"})

	pendingAttempts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reward_pending_attempts",
		Help: "Unresolved attempts, split by whether a broadcast hash is recorded",
	}, []string{"broadcast"})
)

// Ledger is the durable dedup ledger the orchestrator writes through.
// *store.LedgerStore implements it; tests substitute an in-memory fake.
type Ledger interface {
	BeginAttempt(ctx context.Context, wallet, eventKind, occurrenceID, amount string) (*models.RewardAttempt, bool, error)
	RecordBroadcast(ctx context.Context, id int64, txHash string) error
	CompleteAttempt(ctx context.Context, id int64, status models.AttemptStatus, txHash, failureReason string) error
	GetAttempt(ctx context.Context, wallet, eventKind, occurrenceID string) (*models.RewardAttempt, error)
	ListPendingBroadcasts(ctx context.Context, olderThan time.Duration, limit int) ([]models.RewardAttempt, error)
	CountPending(ctx context.Context) (withHash, withoutHash int64, err error)
}

// Options tune the settlement loop.
type Options struct {
	Confirmations int
	PollInterval  time.Duration
	SettleTimeout time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

func (o *Options) applyDefaults() {
	if o.Confirmations <= 0 {
		o.Confirmations = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 90 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
}

// RewardService orchestrates a request through
// validated -> deduplicated -> settling -> responded.
type RewardService struct {
	ledger Ledger
	wallet settlement.TokenWallet
	rules  *rules.Table
	log    *slog.Logger
	opts   Options
}

func NewRewardService(ledger Ledger, wallet settlement.TokenWallet, table *rules.Table, log *slog.Logger, opts Options) *RewardService {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &RewardService{
		ledger: ledger,
		wallet: wallet,
		rules:  table,
		log:    log,
		opts:   opts,
	}
}

// ProcessReward issues at most one payout for the occurrence the request
// describes. Validation failures return before any ledger or network I/O.
func (s *RewardService) ProcessReward(ctx context.Context, req models.RewardRequest) (*models.RewardReceipt, error) {
	wallet := strings.TrimSpace(req.UserWalletAddress)
	if !settlement.ValidAddress(wallet) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWalletAddress, req.UserWalletAddress)
	}
	amount, err := s.rules.AmountFor(req.EventType)
	if err != nil {
		return nil, err
	}
	kind := strings.ToUpper(strings.TrimSpace(req.EventType))

	occurrenceID := strings.TrimSpace(req.OccurrenceID)
	if occurrenceID == "" {
		// Without a caller-supplied key the ledger cannot deduplicate across
		// calls; each request becomes its own occurrence.
		occurrenceID = uuid.NewString()
		s.log.Warn("occurrence id missing, dedup degraded to this call only",
			"event_kind", kind,
			"wallet", logging.MaskAddress(wallet))
	}

	attempt, created, err := s.ledger.BeginAttempt(ctx, wallet, kind, occurrenceID, amount.String())
	if err != nil {
		return nil, fmt.Errorf("begin attempt: %w", err)
	}
	if !created {
		return s.replay(attempt)
	}
	return s.settle(ctx, attempt, amount)
}

// GetAttempt is the idempotent read path for callers polling an outcome.
func (s *RewardService) GetAttempt(ctx context.Context, wallet, eventKind, occurrenceID string) (*models.RewardAttempt, error) {
	return s.ledger.GetAttempt(ctx, strings.TrimSpace(wallet), strings.ToUpper(strings.TrimSpace(eventKind)), strings.TrimSpace(occurrenceID))
}

// replay answers a duplicate request from the prior attempt's outcome.
// Never re-pays.
func (s *RewardService) replay(prior *models.RewardAttempt) (*models.RewardReceipt, error) {
	switch prior.Status {
	case models.StatusSettled:
		rewardsReplayed.Inc()
		return &models.RewardReceipt{
			Success:  true,
			TxHash:   prior.TxHash,
			Amount:   prior.Amount,
			Replayed: true,
		}, nil
	case models.StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, prior.FailureReason)
	default:
		return nil, ErrSettlementPending
	}
}

func (s *RewardService) settle(ctx context.Context, attempt *models.RewardAttempt, amount *big.Int) (*models.RewardReceipt, error) {
	txHash, err := s.broadcastWithRetry(ctx, attempt, amount)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.RecordBroadcast(ctx, attempt.ID, txHash); err != nil {
		// The transfer is already on the wire; sending again could double-pay.
		// Leave the row pending for the reconciler.
		s.log.Error("record broadcast failed, attempt left pending",
			"attempt_id", attempt.ID, "tx_hash", txHash, "error", err)
		return nil, ErrSettlementPending
	}

	confirmCtx, cancel := context.WithTimeout(ctx, s.opts.SettleTimeout)
	defer cancel()
	err = s.wallet.WaitForConfirmations(confirmCtx, txHash, s.opts.Confirmations, s.opts.PollInterval)
	switch {
	case err == nil:
		if cerr := s.completeAttempt(ctx, attempt.ID, models.StatusSettled, txHash, ""); cerr != nil {
			s.log.Error("mark settled failed", "attempt_id", attempt.ID, "error", cerr)
			return nil, ErrSettlementPending
		}
		rewardsIssued.WithLabelValues(attempt.EventKind).Inc()
		return &models.RewardReceipt{Success: true, TxHash: txHash, Amount: attempt.Amount}, nil

	case errors.Is(err, settlement.ErrTransactionReverted):
		settlementErrors.WithLabelValues("reverted").Inc()
		if cerr := s.completeAttempt(ctx, attempt.ID, models.StatusFailed, txHash, "transaction reverted"); cerr != nil {
			s.log.Error("mark failed failed", "attempt_id", attempt.ID, "error", cerr)
		}
		return nil, err

	default:
		// Timed out or the RPC went away mid-wait. The transaction may still
		// confirm; the attempt stays pending and the reconciler decides from
		// the chain. Guessing here is the one thing we must not do.
		settlementErrors.WithLabelValues("confirm_timeout").Inc()
		s.log.Warn("confirmation wait inconclusive, attempt left pending",
			"attempt_id", attempt.ID, "tx_hash", txHash, "error", err)
		return nil, ErrSettlementPending
	}
}

// broadcastWithRetry submits the transfer, retrying transient failures with
// bounded exponential backoff. Only failures that provably happened before
// anything reached the network are retried: when the wallet returns a signed
// hash alongside the error, the transaction may already sit in the pool, and
// re-sending could pay the same occurrence twice. Such broadcasts are treated
// as live and handed to the confirmation wait; the chain, not the error
// message, decides the outcome. Terminal failures are recorded in the ledger
// before they surface so the audit trail has no untracked gap.
func (s *RewardService) broadcastWithRetry(ctx context.Context, attempt *models.RewardAttempt, amount *big.Int) (string, error) {
	var lastErr error
	for try := 0; try <= s.opts.MaxRetries; try++ {
		if try > 0 {
			settlementErrors.WithLabelValues("transient").Inc()
			if err := sleepBackoff(ctx, s.opts.RetryBackoff, try-1); err != nil {
				lastErr = err
				break
			}
		}
		settleCtx, cancel := context.WithTimeout(ctx, s.opts.SettleTimeout)
		txHash, err := s.wallet.Transfer(settleCtx, attempt.WalletAddress, amount)
		cancel()
		if err == nil {
			return txHash, nil
		}
		if txHash != "" {
			settlementErrors.WithLabelValues("broadcast_ambiguous").Inc()
			s.log.Warn("broadcast outcome unknown, tracking transaction instead of re-sending",
				"attempt_id", attempt.ID, "tx_hash", txHash, "error", err)
			return txHash, nil
		}
		lastErr = err
		if !errors.Is(err, settlement.ErrNetworkTransient) {
			break
		}
	}

	reason, label := classifyFailure(lastErr)
	settlementErrors.WithLabelValues(label).Inc()
	if errors.Is(lastErr, settlement.ErrInsufficientFunds) {
		s.log.Error("source wallet cannot fund reward, operator action required",
			"attempt_id", attempt.ID, "amount", amount.String())
	} else {
		s.log.Error("settlement failed",
			"attempt_id", attempt.ID, "reason", reason, "error", lastErr)
	}
	if cerr := s.completeAttempt(ctx, attempt.ID, models.StatusFailed, "", reason); cerr != nil {
		s.log.Error("mark failed failed", "attempt_id", attempt.ID, "error", cerr)
	}
	return "", lastErr
}

// completeAttempt writes the terminal state even when the caller has gone
// away; losing the outcome would desynchronise the ledger from the chain.
func (s *RewardService) completeAttempt(ctx context.Context, id int64, status models.AttemptStatus, txHash, reason string) error {
	return s.ledger.CompleteAttempt(context.WithoutCancel(ctx), id, status, txHash, reason)
}

func classifyFailure(err error) (reason, label string) {
	switch {
	case errors.Is(err, settlement.ErrInsufficientFunds):
		return "insufficient funds", "insufficient_funds"
	case errors.Is(err, settlement.ErrInvalidAddress):
		return "invalid destination address", "invalid_address"
	case errors.Is(err, settlement.ErrNetworkTransient):
		return "network transient, retries exhausted", "transient_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled before broadcast", "cancelled"
	default:
		return fmt.Sprintf("unknown settlement error: %v", err), "unknown"
	}
}

func sleepBackoff(ctx context.Context, base time.Duration, try int) error {
	delay := base << uint(try)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
