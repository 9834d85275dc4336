// Package settlement orchestrates the ledger and the on-chain escrow
// contract. The coordinator owns the invariant that chain submissions
// and ledger commits stay in step: money never moves without a matching
// ledger record, and a ledger record never claims money moved when the
// chain says otherwise.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tradegate/settlement/internal/chain"
	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/metrics"
	"github.com/tradegate/settlement/internal/syncutil"
	"github.com/tradegate/settlement/internal/transaction"
)

var (
	// ErrDisputeOpen blocks release while a dispute is unresolved.
	ErrDisputeOpen = errors.New("settlement: open dispute blocks release")

	// ErrNoWallet means a party has no on-chain wallet registered.
	ErrNoWallet = errors.New("settlement: party has no wallet address")

	// ErrMissingEscrow means the transaction has no escrow to settle.
	ErrMissingEscrow = errors.New("settlement: transaction has no escrow")

	// ErrStateMismatch means the on-chain escrow state contradicts the
	// requested operation. The chain is authoritative; the transaction is
	// flagged for manual review instead of forcing the submission.
	ErrStateMismatch = errors.New("settlement: on-chain escrow state does not permit operation")
)

// Gateway is the contract surface the coordinator drives.
type Gateway interface {
	CreateEscrow(ctx context.Context, buyer, supplier common.Address, amount decimal.Decimal) (*chain.CreateResult, error)
	ReleasePayment(ctx context.Context, escrowID *big.Int) (*chain.TxResult, error)
	RefundBuyer(ctx context.Context, escrowID *big.Int) (*chain.TxResult, error)
	GetStatus(ctx context.Context, escrowID *big.Int) (chain.EscrowStatus, error)
}

// DisputeChecker reports whether a transaction has an unresolved dispute.
type DisputeChecker interface {
	HasOpen(ctx context.Context, transactionID string) (bool, error)
}

// AddressBook resolves a marketplace party to its settlement wallet.
type AddressBook interface {
	WalletAddress(ctx context.Context, partyID string) (common.Address, error)
}

// StaticAddressBook is a fixed party-to-wallet mapping, used in
// development and tests.
type StaticAddressBook map[string]common.Address

func (b StaticAddressBook) WalletAddress(_ context.Context, partyID string) (common.Address, error) {
	addr, ok := b[partyID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoWallet, partyID)
	}
	return addr, nil
}

// Result is the outcome of a settlement operation. AlreadySettled marks
// the idempotent path: the operation had already happened and no new
// chain submission was made.
type Result struct {
	TxHash         string `json:"txHash,omitempty"`
	AlreadySettled bool   `json:"alreadySettled,omitempty"`
}

// Coordinator drives escrow funding, release, and refund. All three
// operations serialize per transaction, so concurrent requests for the
// same transaction cannot double-submit to the chain.
type Coordinator struct {
	ledger   *transaction.Ledger
	gateway  Gateway
	disputes DisputeChecker
	addrs    AddressBook
	locks    *syncutil.ContextShardedMutex
}

// NewCoordinator wires the coordinator. disputes may be nil until the
// resolver is attached (development wiring).
func NewCoordinator(ledger *transaction.Ledger, gateway Gateway, addrs AddressBook) *Coordinator {
	return &Coordinator{
		ledger:  ledger,
		gateway: gateway,
		addrs:   addrs,
		locks:   syncutil.NewContextShardedMutex(),
	}
}

// SetDisputeChecker attaches the dispute lookup. Must be called before
// the service accepts traffic; split from the constructor because the
// resolver needs the coordinator first.
func (c *Coordinator) SetDisputeChecker(d DisputeChecker) {
	c.disputes = d
}

// Freeze applies the dispute overlay under the settlement lock. Filing
// routes through here rather than straight to the ledger, so a dispute
// cannot commit between a release submission and its ledger record.
func (c *Coordinator) Freeze(ctx context.Context, transactionID string, actor transaction.Actor, note string) (*transaction.Transaction, error) {
	unlock, err := c.locks.LockContext(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.ledger.MarkDisputed(ctx, transactionID, actor, note)
}

// OpenEscrow locks the transaction's funds on-chain and moves it to
// escrow_held. Requires payment_received and no existing escrow; the
// escrow identifier is recorded exactly once.
func (c *Coordinator) OpenEscrow(ctx context.Context, transactionID string) (*transaction.Transaction, error) {
	unlock, err := c.locks.LockContext(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.EscrowID != "" {
		return nil, fmt.Errorf("%w: escrow %s", transaction.ErrEscrowAlreadySet, t.EscrowID)
	}
	if t.Status != transaction.StatusPaymentReceived {
		return nil, fmt.Errorf("%w: escrow requires payment_received (in %s)",
			transaction.ErrInvalidTransition, t.Status)
	}

	buyer, err := c.addrs.WalletAddress(ctx, t.BuyerID)
	if err != nil {
		return nil, err
	}
	supplier, err := c.addrs.WalletAddress(ctx, t.SupplierID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := c.gateway.CreateEscrow(ctx, buyer, supplier, t.Amount)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("create", "failure").Inc()
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues("create", "success").Inc()
	metrics.ObserveChainCall("createEscrow", start)

	updated, err := c.ledger.AttachEscrow(ctx, t.ID, res.EscrowID.String(), res.TxHash)
	if err != nil {
		// Funds are locked on-chain but the ledger does not know. This
		// must not be silently dropped.
		logging.L(ctx).Error("CRITICAL: escrow created on-chain but ledger update failed",
			"transaction_id", t.ID,
			"escrow_id", res.EscrowID.String(),
			"tx_hash", res.TxHash,
			"error", err)
		c.flag(ctx, t.ID, fmt.Sprintf("escrow %s created on-chain (tx %s) but not recorded", res.EscrowID, res.TxHash))
		return nil, fmt.Errorf("escrow created on-chain but not recorded: %w", err)
	}
	return updated, nil
}

// Release pays the supplier out of escrow and completes the transaction.
// Requires confirmed delivery and no open dispute. Idempotent: a second
// call after success returns the prior settlement without a new
// submission.
func (c *Coordinator) Release(ctx context.Context, transactionID string) (*Result, error) {
	unlock, err := c.locks.LockContext(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case transaction.StatusEscrowReleased, transaction.StatusCompleted:
		return &Result{TxHash: t.SettlementTxHash, AlreadySettled: true}, nil
	case transaction.StatusDisputed:
		return nil, transaction.ErrDisputed
	case transaction.StatusConfirmed:
		// proceed
	default:
		return nil, fmt.Errorf("%w: release requires confirmed (in %s)",
			transaction.ErrInvalidTransition, t.Status)
	}

	if c.disputes != nil {
		open, err := c.disputes.HasOpen(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if open {
			return nil, ErrDisputeOpen
		}
	}

	escrowID, err := parseEscrowID(t.EscrowID)
	if err != nil {
		return nil, err
	}

	// The chain is authoritative: a previous attempt may have landed even
	// though we never saw the confirmation. Check before submitting again.
	status, err := c.gateway.GetStatus(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch status.State {
	case chain.EscrowReleased:
		logging.L(ctx).Warn("escrow already released on-chain; syncing ledger",
			"transaction_id", t.ID, "escrow_id", t.EscrowID)
		if err := c.completeRelease(ctx, t.ID, t.SettlementTxHash); err != nil {
			return nil, err
		}
		return &Result{TxHash: t.SettlementTxHash, AlreadySettled: true}, nil
	case chain.EscrowCreated, chain.EscrowActive:
		// proceed
	default:
		c.flag(ctx, t.ID, fmt.Sprintf("release blocked: escrow %s in on-chain state %s", t.EscrowID, status.State))
		return nil, fmt.Errorf("%w: %s", ErrStateMismatch, status.State)
	}

	start := time.Now()
	res, err := c.gateway.ReleasePayment(ctx, escrowID)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("release", "failure").Inc()
		if errors.Is(err, chain.ErrConfirmationTimeout) {
			// The submission may still land. Leave the transaction in
			// confirmed; the next attempt re-checks on-chain state.
			c.flag(ctx, t.ID, "release unconfirmed within wait budget; verify on-chain before retry")
		}
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues("release", "success").Inc()
	metrics.ObserveChainCall("releasePayment", start)

	if err := c.completeRelease(ctx, t.ID, res.TxHash); err != nil {
		logging.L(ctx).Error("CRITICAL: payment released on-chain but ledger update failed",
			"transaction_id", t.ID,
			"escrow_id", t.EscrowID,
			"tx_hash", res.TxHash,
			"error", err)
		c.flag(ctx, t.ID, fmt.Sprintf("payment released on-chain (tx %s) but not recorded", res.TxHash))
		return nil, fmt.Errorf("payment released on-chain but not recorded: %w", err)
	}
	return &Result{TxHash: res.TxHash}, nil
}

// Refund returns escrowed funds to the buyer after a dispute resolution.
// Requires the disputed state; idempotent after success.
func (c *Coordinator) Refund(ctx context.Context, transactionID string) (*Result, error) {
	unlock, err := c.locks.LockContext(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.Status == transaction.StatusRefunded {
		return &Result{TxHash: t.SettlementTxHash, AlreadySettled: true}, nil
	}
	if t.Status != transaction.StatusDisputed {
		return nil, fmt.Errorf("%w: refund requires disputed (in %s)",
			transaction.ErrInvalidTransition, t.Status)
	}

	escrowID, err := parseEscrowID(t.EscrowID)
	if err != nil {
		return nil, err
	}

	status, err := c.gateway.GetStatus(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch status.State {
	case chain.EscrowRefunded:
		logging.L(ctx).Warn("escrow already refunded on-chain; syncing ledger",
			"transaction_id", t.ID, "escrow_id", t.EscrowID)
		if _, err := c.ledger.MarkRefunded(ctx, t.ID, t.SettlementTxHash, "refund reconciled from chain"); err != nil {
			return nil, err
		}
		return &Result{TxHash: t.SettlementTxHash, AlreadySettled: true}, nil
	case chain.EscrowCreated, chain.EscrowActive, chain.EscrowDisputed:
		// proceed
	default:
		c.flag(ctx, t.ID, fmt.Sprintf("refund blocked: escrow %s in on-chain state %s", t.EscrowID, status.State))
		return nil, fmt.Errorf("%w: %s", ErrStateMismatch, status.State)
	}

	start := time.Now()
	res, err := c.gateway.RefundBuyer(ctx, escrowID)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("refund", "failure").Inc()
		if errors.Is(err, chain.ErrConfirmationTimeout) {
			c.flag(ctx, t.ID, "refund unconfirmed within wait budget; verify on-chain before retry")
		}
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues("refund", "success").Inc()
	metrics.ObserveChainCall("refundBuyer", start)

	if _, err := c.ledger.MarkRefunded(ctx, t.ID, res.TxHash, "buyer refunded via dispute resolution"); err != nil {
		logging.L(ctx).Error("CRITICAL: buyer refunded on-chain but ledger update failed",
			"transaction_id", t.ID,
			"escrow_id", t.EscrowID,
			"tx_hash", res.TxHash,
			"error", err)
		c.flag(ctx, t.ID, fmt.Sprintf("buyer refunded on-chain (tx %s) but not recorded", res.TxHash))
		return nil, fmt.Errorf("buyer refunded on-chain but not recorded: %w", err)
	}
	return &Result{TxHash: res.TxHash}, nil
}

// ReleaseFromDispute pays the supplier out of escrow as an arbitration
// award. Requires the disputed state; the normal confirmed-delivery
// precondition does not apply because an admin resolution overrides it.
func (c *Coordinator) ReleaseFromDispute(ctx context.Context, transactionID string) (*Result, error) {
	unlock, err := c.locks.LockContext(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case transaction.StatusEscrowReleased, transaction.StatusCompleted:
		return &Result{TxHash: t.SettlementTxHash, AlreadySettled: true}, nil
	case transaction.StatusDisputed:
		// proceed
	default:
		return nil, fmt.Errorf("%w: arbitration release requires disputed (in %s)",
			transaction.ErrInvalidTransition, t.Status)
	}

	escrowID, err := parseEscrowID(t.EscrowID)
	if err != nil {
		return nil, err
	}

	status, err := c.gateway.GetStatus(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch status.State {
	case chain.EscrowReleased:
		if err := c.completeDisputeRelease(ctx, t.ID, t.SettlementTxHash); err != nil {
			return nil, err
		}
		return &Result{TxHash: t.SettlementTxHash, AlreadySettled: true}, nil
	case chain.EscrowCreated, chain.EscrowActive, chain.EscrowDisputed:
		// proceed
	default:
		c.flag(ctx, t.ID, fmt.Sprintf("arbitration release blocked: escrow %s in on-chain state %s", t.EscrowID, status.State))
		return nil, fmt.Errorf("%w: %s", ErrStateMismatch, status.State)
	}

	start := time.Now()
	res, err := c.gateway.ReleasePayment(ctx, escrowID)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("release", "failure").Inc()
		if errors.Is(err, chain.ErrConfirmationTimeout) {
			c.flag(ctx, t.ID, "arbitration release unconfirmed within wait budget; verify on-chain before retry")
		}
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues("release", "success").Inc()
	metrics.ObserveChainCall("releasePayment", start)

	if err := c.completeDisputeRelease(ctx, t.ID, res.TxHash); err != nil {
		logging.L(ctx).Error("CRITICAL: payment released on-chain but ledger update failed",
			"transaction_id", t.ID,
			"escrow_id", t.EscrowID,
			"tx_hash", res.TxHash,
			"error", err)
		c.flag(ctx, t.ID, fmt.Sprintf("payment released on-chain (tx %s) but not recorded", res.TxHash))
		return nil, fmt.Errorf("payment released on-chain but not recorded: %w", err)
	}
	return &Result{TxHash: res.TxHash}, nil
}

// completeRelease records a normal-path release and closes out the
// transaction. Fails if the transaction turned disputed after the
// submission; the caller flags it rather than overriding the dispute.
func (c *Coordinator) completeRelease(ctx context.Context, transactionID, txHash string) error {
	if _, err := c.ledger.MarkReleased(ctx, transactionID, txHash); err != nil {
		return err
	}
	_, err := c.ledger.Advance(ctx, transactionID, transaction.StatusCompleted,
		transaction.ActorSystem, "settlement complete")
	return err
}

// completeDisputeRelease records an arbitration release and closes out
// the transaction.
func (c *Coordinator) completeDisputeRelease(ctx context.Context, transactionID, txHash string) error {
	if _, err := c.ledger.MarkReleasedFromDispute(ctx, transactionID, txHash); err != nil {
		return err
	}
	_, err := c.ledger.Advance(ctx, transactionID, transaction.StatusCompleted,
		transaction.ActorSystem, "settlement complete")
	return err
}

// flag marks the transaction for manual follow-up; best effort.
func (c *Coordinator) flag(ctx context.Context, transactionID, note string) {
	if _, err := c.ledger.FlagAttention(ctx, transactionID, note); err != nil {
		logging.L(ctx).Error("failed to flag transaction for attention",
			"transaction_id", transactionID, "note", note, "error", err)
	}
}

func parseEscrowID(s string) (*big.Int, error) {
	if s == "" {
		return nil, ErrMissingEscrow
	}
	id, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed escrow id %q", ErrMissingEscrow, s)
	}
	return id, nil
}
