package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	transferMethodID  = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfMethodID = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// erc20TransferGas is a fixed gas allowance for a plain ERC-20 transfer.
const erc20TransferGas = 80_000

// evmBackend is the subset of the Ethereum RPC the wallet uses. Narrowed so
// tests can substitute a fake node.
type evmBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// EVMWallet signs and broadcasts ERC-20 transfers from a single hot wallet.
// It is constructed once at process start and reused; nonce allocation is
// serialized under nonceMu because the signing key is one mutable resource
// no matter how many requests arrive concurrently.
type EVMWallet struct {
	client  evmBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	token   common.Address
	chainID *big.Int

	nonceMu sync.Mutex
}

// NewEVMWallet dials the RPC endpoint and prepares the signing wallet.
func NewEVMWallet(rpcURL, privateKeyHex, tokenAddress string, chainID int64) (*EVMWallet, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	client, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return newEVMWallet(client, privateKeyHex, tokenAddress, chainID)
}

func newEVMWallet(client evmBackend, privateKeyHex, tokenAddress string, chainID int64) (*EVMWallet, error) {
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("invalid token contract address %q", tokenAddress)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	return &EVMWallet{
		client:  client,
		key:     key,
		from:    gethcrypto.PubkeyToAddress(key.PublicKey),
		token:   common.HexToAddress(tokenAddress),
		chainID: big.NewInt(chainID),
	}, nil
}

// ValidAddress reports whether the string is a well-formed hex address.
func ValidAddress(addr string) bool {
	return common.IsHexAddress(strings.TrimSpace(addr))
}

// From returns the signing wallet's own address.
func (w *EVMWallet) From() string {
	return w.from.Hex()
}

// Transfer broadcasts a single ERC-20 transfer and returns its hash. The
// token balance is checked by comparison before signing so that insufficient
// funds is a typed outcome, not a parsed vendor message.
//
// When the broadcast outcome is unknown (the RPC call failed after the
// transaction was signed, without a pool rejection) the signed hash is
// returned together with the error so the caller can track the transaction
// instead of re-sending value.
func (w *EVMWallet) Transfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	dest := strings.TrimSpace(destination)
	if !common.IsHexAddress(dest) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, destination)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount must be positive")
	}
	to := common.HexToAddress(dest)

	balance, err := w.tokenBalance(ctx, w.from)
	if err != nil {
		return "", err
	}
	if balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, balance, amount)
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", classifySendError(err)
	}

	w.nonceMu.Lock()
	defer w.nonceMu.Unlock()

	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", classifySendError(err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &w.token,
		Value:    big.NewInt(0),
		Gas:      erc20TransferGas,
		GasPrice: gasPrice,
		Data:     transferCalldata(to, amount),
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		if isAlreadyKnown(err) {
			// The pool already holds this exact transaction.
			return signed.Hash().Hex(), nil
		}
		if isPoolRejection(err) {
			// The node received the submission and refused it; nothing is
			// in flight.
			return "", classifySendError(err)
		}
		// Delivery unknown: the transaction may have reached the pool before
		// the connection died.
		return signed.Hash().Hex(), classifySendError(err)
	}
	return signed.Hash().Hex(), nil
}

// WaitForConfirmations polls until the transaction reaches the requested
// depth. "Confirmed" means included at depth, never merely broadcast.
func (w *EVMWallet) WaitForConfirmations(ctx context.Context, txHash string, confirmations int, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := w.CheckReceipt(ctx, txHash, confirmations)
		if err != nil && !errors.Is(err, ErrNetworkTransient) {
			return err
		}
		switch status {
		case ReceiptConfirmed:
			return nil
		case ReceiptReverted:
			return fmt.Errorf("%w: %s", ErrTransactionReverted, txHash)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckReceipt reports the current on-chain status of a transaction.
func (w *EVMWallet) CheckReceipt(ctx context.Context, txHash string, confirmations int) (ReceiptStatus, error) {
	receipt, err := w.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptNotFound, nil
		}
		return ReceiptNotFound, classifySendError(err)
	}
	if receipt == nil {
		return ReceiptNotFound, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return ReceiptReverted, nil
	}
	if confirmations <= 1 {
		return ReceiptConfirmed, nil
	}
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return ReceiptPending, classifySendError(err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return ReceiptPending, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	if depth.Cmp(big.NewInt(int64(confirmations))) < 0 {
		return ReceiptPending, nil
	}
	return ReceiptConfirmed, nil
}

func (w *EVMWallet) tokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfMethodID...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return nil, classifySendError(err)
	}
	return new(big.Int).SetBytes(out), nil
}

func transferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, transferMethodID...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
