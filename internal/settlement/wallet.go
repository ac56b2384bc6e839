package settlement

import (
	"context"
	"math/big"
	"time"
)

// ReceiptStatus summarises the on-chain state of a broadcast transaction.
type ReceiptStatus int

const (
	ReceiptNotFound ReceiptStatus = iota
	ReceiptPending
	ReceiptConfirmed
	ReceiptReverted
)

// TokenWallet captures the functionality the reward core requires from the
// signing hot wallet. Transfer broadcasts at most one transaction per call;
// retry policy belongs to the orchestrator, where it can consult the ledger.
// When a broadcast outcome is unknown, Transfer returns the signed hash
// alongside the error; a non-empty hash means the transaction may exist and
// must be tracked, never re-sent.
type TokenWallet interface {
	Transfer(ctx context.Context, destination string, amount *big.Int) (string, error)
	WaitForConfirmations(ctx context.Context, txHash string, confirmations int, pollInterval time.Duration) error
	CheckReceipt(ctx context.Context, txHash string, confirmations int) (ReceiptStatus, error)
}

// FuncWallet adapts callback functions to the TokenWallet interface.
type FuncWallet struct {
	TransferFunc func(ctx context.Context, destination string, amount *big.Int) (string, error)
	ConfirmFunc  func(ctx context.Context, txHash string, confirmations int, pollInterval time.Duration) error
	ReceiptFunc  func(ctx context.Context, txHash string, confirmations int) (ReceiptStatus, error)
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if w.TransferFunc == nil {
		return "", nil
	}
	return w.TransferFunc(ctx, destination, amount)
}

// WaitForConfirmations delegates to the configured callback.
func (w FuncWallet) WaitForConfirmations(ctx context.Context, txHash string, confirmations int, pollInterval time.Duration) error {
	if w.ConfirmFunc == nil {
		return nil
	}
	return w.ConfirmFunc(ctx, txHash, confirmations, pollInterval)
}

// CheckReceipt delegates to the configured callback.
func (w FuncWallet) CheckReceipt(ctx context.Context, txHash string, confirmations int) (ReceiptStatus, error) {
	if w.ReceiptFunc == nil {
		return ReceiptNotFound, nil
	}
	return w.ReceiptFunc(ctx, txHash, confirmations)
}
