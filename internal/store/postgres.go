package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/rewardops/internal/models"
)

var ErrAttemptNotFound = errors.New("reward attempt not found")

const attemptColumns = `id, wallet_address, event_kind, occurrence_id, amount,
	status, COALESCE(tx_hash, ''), COALESCE(failure_reason, ''), created_at, settled_at`

// LedgerStore is the durable dedup ledger. The unique constraint on
// (wallet_address, event_kind, occurrence_id) is the sole concurrency
// mechanism: it holds across processes, unlike any in-memory lock.
type LedgerStore struct {
	db *pgxpool.Pool
}

func NewLedgerStore(ctx context.Context, connString string) (*LedgerStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &LedgerStore{db: pool}, nil
}

func (s *LedgerStore) Close() {
	s.db.Close()
}

// BeginAttempt atomically inserts a pending attempt for the occurrence key.
// If another request already holds the key, the prior attempt is returned
// with created=false; exactly one caller ever proceeds to settlement.
func (s *LedgerStore) BeginAttempt(ctx context.Context, wallet, eventKind, occurrenceID, amount string) (*models.RewardAttempt, bool, error) {
	attempt := &models.RewardAttempt{
		WalletAddress: wallet,
		EventKind:     eventKind,
		OccurrenceID:  occurrenceID,
		Amount:        amount,
		Status:        models.StatusPending,
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO reward_attempts (wallet_address, event_kind, occurrence_id, amount, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 RETURNING id, created_at`,
		wallet, eventKind, occurrenceID, amount,
	).Scan(&attempt.ID, &attempt.CreatedAt)
	if err == nil {
		return attempt, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		prior, getErr := s.GetAttempt(ctx, wallet, eventKind, occurrenceID)
		if getErr != nil {
			return nil, false, fmt.Errorf("load prior attempt: %w", getErr)
		}
		return prior, false, nil
	}
	return nil, false, fmt.Errorf("attempt insert failed: %w", err)
}

// RecordBroadcast stores the transaction hash as soon as the transfer is
// broadcast, while the attempt stays pending. A crash between broadcast and
// confirmation leaves the hash behind for the reconciler.
func (s *LedgerStore) RecordBroadcast(ctx context.Context, id int64, txHash string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE reward_attempts SET tx_hash = $1 WHERE id = $2 AND status = 'pending'",
		txHash, id,
	)
	if err != nil {
		return fmt.Errorf("record broadcast failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// CompleteAttempt transitions pending -> settled/failed. Terminal rows are
// never rewritten; the ledger is an append-only audit trail apart from this
// single state transition.
func (s *LedgerStore) CompleteAttempt(ctx context.Context, id int64, status models.AttemptStatus, txHash, failureReason string) error {
	if status != models.StatusSettled && status != models.StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE reward_attempts
		 SET status = $1, tx_hash = NULLIF($2, ''), failure_reason = NULLIF($3, ''), settled_at = now()
		 WHERE id = $4 AND status = 'pending'`,
		string(status), txHash, failureReason, id,
	)
	if err != nil {
		return fmt.Errorf("complete attempt failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// GetAttempt is the read path for idempotent replays.
func (s *LedgerStore) GetAttempt(ctx context.Context, wallet, eventKind, occurrenceID string) (*models.RewardAttempt, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM reward_attempts
		 WHERE wallet_address = $1 AND event_kind = $2 AND occurrence_id = $3`,
		wallet, eventKind, occurrenceID,
	)
	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// ListPendingBroadcasts returns pending attempts that already carry a
// transaction hash, oldest first, for reconciliation against the chain.
func (s *LedgerStore) ListPendingBroadcasts(ctx context.Context, olderThan time.Duration, limit int) ([]models.RewardAttempt, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM reward_attempts
		 WHERE status = 'pending' AND tx_hash IS NOT NULL AND created_at < now() - $1::interval
		 ORDER BY created_at
		 LIMIT $2`,
		fmt.Sprintf("%f seconds", olderThan.Seconds()), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending broadcasts failed: %w", err)
	}
	defer rows.Close()

	var attempts []models.RewardAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

// CountPending reports how many attempts are still unresolved, split by
// whether a broadcast hash was recorded. Hashless pending rows need an
// operator; the service never guesses their outcome.
func (s *LedgerStore) CountPending(ctx context.Context) (withHash, withoutHash int64, err error) {
	err = s.db.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE tx_hash IS NOT NULL),
		        COUNT(*) FILTER (WHERE tx_hash IS NULL)
		 FROM reward_attempts WHERE status = 'pending'`,
	).Scan(&withHash, &withoutHash)
	if err != nil {
		return 0, 0, fmt.Errorf("count pending failed: %w", err)
	}
	return withHash, withoutHash, nil
}

func scanAttempt(row pgx.Row) (*models.RewardAttempt, error) {
	var attempt models.RewardAttempt
	var status string
	err := row.Scan(
		&attempt.ID,
		&attempt.WalletAddress,
		&attempt.EventKind,
		&attempt.OccurrenceID,
		&attempt.Amount,
		&status,
		&attempt.TxHash,
		&attempt.FailureReason,
		&attempt.CreatedAt,
		&attempt.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	attempt.Status = models.AttemptStatus(status)
	return &attempt, nil
}
