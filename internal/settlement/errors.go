package settlement

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error taxonomy for settlement outcomes. The orchestrator decides retry
// policy from these; the adapter itself never retries.
var (
	// ErrInvalidAddress is a caller error and terminal.
	ErrInvalidAddress = errors.New("invalid destination address")
	// ErrInsufficientFunds means the source wallet lacks balance. Terminal:
	// an operator must top up; retrying cannot help.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNetworkTransient covers RPC timeouts and nonce races. Retryable.
	ErrNetworkTransient = errors.New("transient network error")
	// ErrTransactionReverted means the transfer was mined but failed on-chain.
	ErrTransactionReverted = errors.New("transaction reverted")
	// ErrUnknownSettlement is terminal pending investigation.
	ErrUnknownSettlement = errors.New("unknown settlement error")
)

// transientFragments are the JSON-RPC error messages that indicate a race or
// connectivity hiccup rather than a terminal condition. go-ethereum does not
// carry typed errors across the RPC boundary, so message inspection is the
// only classification signal available for these cases.
var transientFragments = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"eof",
	"too many requests",
}

// rejectionFragments are transaction-pool rejections: the node processed the
// submission and refused it, so nothing is in flight and re-sending cannot
// double-pay.
var rejectionFragments = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
}

// isPoolRejection reports whether the send error proves the transaction was
// received and refused, as opposed to lost in transit.
func isPoolRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range rejectionFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// isAlreadyKnown reports that the pool already holds this exact transaction:
// the broadcast succeeded on an earlier delivery.
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
		}
	}
	if strings.Contains(msg, "insufficient funds") {
		// The node rejecting for gas funds, as opposed to the token balance
		// pre-check in Transfer.
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%w: %v", ErrUnknownSettlement, err)
}
