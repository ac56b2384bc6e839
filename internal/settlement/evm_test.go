package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const (
	testKeyHex   = "4c0883a69102937d6231471b5dbb6204fe512961708279feb1be6ae5538da033"
	testTokenHex = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testDestHex  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type fakeBackend struct {
	nonce    uint64
	gasPrice *big.Int
	balance  *big.Int

	sent         []*gethtypes.Transaction
	sendErr      error
	sendDelivers bool // record the transaction even when sendErr is returned
	callErr      error

	receipt    *gethtypes.Receipt
	receiptErr error
	head       *gethtypes.Header
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		if f.sendDelivers {
			f.sent = append(f.sent, tx)
		}
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	balance := f.balance
	if balance == nil {
		balance = big.NewInt(1_000_000)
	}
	return common.LeftPadBytes(balance.Bytes(), 32), nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return f.head, nil
}

func newTestWallet(t *testing.T, backend evmBackend) *EVMWallet {
	t.Helper()
	wallet, err := newEVMWallet(backend, testKeyHex, testTokenHex, 31337)
	require.NoError(t, err)
	return wallet
}

func TestValidAddress(t *testing.T) {
	require.True(t, ValidAddress(testDestHex))
	require.True(t, ValidAddress(" "+testDestHex+" "))
	require.False(t, ValidAddress("0x123"))
	require.False(t, ValidAddress("not-an-address"))
	require.False(t, ValidAddress(""))
}

func TestTransferCalldata(t *testing.T) {
	to := common.HexToAddress(testDestHex)
	data := transferCalldata(to, big.NewInt(1000))

	require.Len(t, data, 68)
	require.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	require.Equal(t, to.Bytes(), data[16:36])
	require.Equal(t, big.NewInt(1000), new(big.Int).SetBytes(data[36:]))
}

func TestTransferBroadcasts(t *testing.T) {
	backend := &fakeBackend{nonce: 7, balance: big.NewInt(5000)}
	wallet := newTestWallet(t, backend)

	hash, err := wallet.Transfer(context.Background(), testDestHex, big.NewInt(1000))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	sent := backend.sent[0]
	require.Equal(t, hash, sent.Hash().Hex())
	require.Equal(t, uint64(7), sent.Nonce())
	require.Equal(t, testTokenHex, sent.To().Hex())
	require.Equal(t, "a9059cbb", hex.EncodeToString(sent.Data()[:4]))
}

func TestTransferRejectsInvalidAddress(t *testing.T) {
	backend := &fakeBackend{}
	wallet := newTestWallet(t, backend)

	_, err := wallet.Transfer(context.Background(), "not-an-address", big.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.Empty(t, backend.sent)
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	wallet := newTestWallet(t, &fakeBackend{})

	_, err := wallet.Transfer(context.Background(), testDestHex, big.NewInt(0))
	require.Error(t, err)
	_, err = wallet.Transfer(context.Background(), testDestHex, nil)
	require.Error(t, err)
}

func TestTransferInsufficientTokenBalance(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(10)}
	wallet := newTestWallet(t, backend)

	_, err := wallet.Transfer(context.Background(), testDestHex, big.NewInt(1000))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Empty(t, backend.sent, "no transaction may be broadcast without balance")
}

func TestTransferClassifiesSendErrors(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(5000), sendErr: fmt.Errorf("nonce too low")}
	wallet := newTestWallet(t, backend)

	_, err := wallet.Transfer(context.Background(), testDestHex, big.NewInt(1000))
	require.ErrorIs(t, err, ErrNetworkTransient)
}

func TestTransferAmbiguousSendReturnsHash(t *testing.T) {
	// The RPC connection dies after the node has taken the transaction. The
	// signed hash must come back with the error so the caller can track the
	// transfer instead of paying the same occurrence again.
	backend := &fakeBackend{
		balance:      big.NewInt(5000),
		sendErr:      fmt.Errorf("read tcp 10.0.0.1:8545: i/o timeout"),
		sendDelivers: true,
	}
	wallet := newTestWallet(t, backend)

	hash, err := wallet.Transfer(context.Background(), testDestHex, big.NewInt(1000))
	require.ErrorIs(t, err, ErrNetworkTransient)
	require.Len(t, backend.sent, 1)
	require.Equal(t, backend.sent[0].Hash().Hex(), hash)
}

func TestTransferPoolRejectionReturnsNoHash(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(5000), sendErr: fmt.Errorf("nonce too low")}
	wallet := newTestWallet(t, backend)

	hash, err := wallet.Transfer(context.Background(), testDestHex, big.NewInt(1000))
	require.ErrorIs(t, err, ErrNetworkTransient)
	require.Empty(t, hash, "a rejected transaction is not in flight")
}

func TestTransferAlreadyKnownCountsAsBroadcast(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(5000), sendErr: fmt.Errorf("already known")}
	wallet := newTestWallet(t, backend)

	hash, err := wallet.Transfer(context.Background(), testDestHex, big.NewInt(1000))
	require.NoError(t, err)
	require.NotEmpty(t, hash)
}

func TestClassifySendError(t *testing.T) {
	require.ErrorIs(t, classifySendError(context.DeadlineExceeded), ErrNetworkTransient)
	require.ErrorIs(t, classifySendError(fmt.Errorf("replacement transaction underpriced")), ErrNetworkTransient)
	require.ErrorIs(t, classifySendError(fmt.Errorf("connection refused")), ErrNetworkTransient)
	require.ErrorIs(t, classifySendError(fmt.Errorf("insufficient funds for gas * price + value")), ErrInsufficientFunds)
	require.ErrorIs(t, classifySendError(fmt.Errorf("execution aborted")), ErrUnknownSettlement)
	require.NoError(t, classifySendError(nil))
}

func TestCheckReceiptStatuses(t *testing.T) {
	ctx := context.Background()
	hash := "0x00"

	notFound := newTestWallet(t, &fakeBackend{receiptErr: ethereum.NotFound})
	status, err := notFound.CheckReceipt(ctx, hash, 1)
	require.NoError(t, err)
	require.Equal(t, ReceiptNotFound, status)

	reverted := newTestWallet(t, &fakeBackend{receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed}})
	status, err = reverted.CheckReceipt(ctx, hash, 1)
	require.NoError(t, err)
	require.Equal(t, ReceiptReverted, status)

	included := newTestWallet(t, &fakeBackend{
		receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)},
	})
	status, err = included.CheckReceipt(ctx, hash, 1)
	require.NoError(t, err)
	require.Equal(t, ReceiptConfirmed, status)
}

func TestCheckReceiptConfirmationDepth(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{
		receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)},
		head:    &gethtypes.Header{Number: big.NewInt(12)},
	}
	wallet := newTestWallet(t, backend)

	// Blocks 10..12 inclusive give depth 3.
	status, err := wallet.CheckReceipt(ctx, "0x00", 3)
	require.NoError(t, err)
	require.Equal(t, ReceiptConfirmed, status)

	status, err = wallet.CheckReceipt(ctx, "0x00", 5)
	require.NoError(t, err)
	require.Equal(t, ReceiptPending, status)
}

func TestWaitForConfirmationsReverted(t *testing.T) {
	backend := &fakeBackend{receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed}}
	wallet := newTestWallet(t, backend)

	err := wallet.WaitForConfirmations(context.Background(), "0x00", 1, time.Millisecond)
	require.ErrorIs(t, err, ErrTransactionReverted)
}

func TestWaitForConfirmationsContextTimeout(t *testing.T) {
	backend := &fakeBackend{receiptErr: ethereum.NotFound}
	wallet := newTestWallet(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := wallet.WaitForConfirmations(ctx, "0x00", 1, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewEVMWalletRejectsBadInputs(t *testing.T) {
	_, err := newEVMWallet(&fakeBackend{}, "zz", testTokenHex, 1)
	require.Error(t, err)
	_, err = newEVMWallet(&fakeBackend{}, testKeyHex, "bad-token", 1)
	require.Error(t, err)
	_, err = newEVMWallet(&fakeBackend{}, testKeyHex, testTokenHex, 0)
	require.Error(t, err)
}
