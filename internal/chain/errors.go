package chain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSignerKey = errors.New("chain: invalid signer key")
	ErrInvalidAddress   = errors.New("chain: invalid address")

	// ErrChainUnavailable marks RPC/network failures. Recoverable;
	// callers decide whether to retry with backoff.
	ErrChainUnavailable = errors.New("chain: network unavailable")

	// ErrNotConfigured is returned by mutating gateway operations when no
	// escrow contract address was configured. Reads degrade gracefully;
	// writes must fail fast rather than target a null address.
	ErrNotConfigured = errors.New("chain: escrow contract not configured")

	// ErrEscrowCreationFailed means the creation call reverted or the
	// receipt carried no EscrowCreated event.
	ErrEscrowCreationFailed = errors.New("chain: escrow creation failed")

	// ErrReleaseFailed means releasePayment reverted (e.g. escrow not
	// ACTIVE on-chain). Not blindly retryable: re-check on-chain state
	// first to rule out an already-succeeded duplicate.
	ErrReleaseFailed = errors.New("chain: payment release failed")

	// ErrRefundFailed means refundBuyer reverted. Same retry rule as
	// ErrReleaseFailed.
	ErrRefundFailed = errors.New("chain: buyer refund failed")

	// ErrConfirmationTimeout means the confirmation depth was not reached
	// within the wait budget. The submission may still land on-chain.
	// Wraps ErrChainUnavailable: the chain could not confirm in time, so
	// callers matching on availability treat it the same way.
	ErrConfirmationTimeout = fmt.Errorf("%w: confirmation timed out", ErrChainUnavailable)
)

// CallError wraps chain call failures with context.
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
