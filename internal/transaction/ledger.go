package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradegate/settlement/internal/idgen"
	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/money"
	"github.com/tradegate/settlement/internal/syncutil"
)

// Store persists transactions. Update must apply optimistic locking on
// Version and return ErrConcurrentModification on a stale write.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByReference(ctx context.Context, ref string) (*Transaction, error)
	// Update writes the transaction's mutable fields and appends the given
	// milestones in one atomic step. t.Version must match the stored
	// version; on success the stored version is t.Version+1.
	Update(ctx context.Context, t *Transaction, appended []Milestone) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error)
	// ListOpenEscrows returns non-terminal transactions with an escrow.
	ListOpenEscrows(ctx context.Context, limit int) ([]*Transaction, error)
	ListNeedingAttention(ctx context.Context, limit int) ([]*Transaction, error)
}

// Observer is called after every committed state change. Used for
// webhook delivery and realtime fan-out; must not block.
type Observer func(ctx context.Context, t *Transaction)

// Ledger is the transaction state machine service. All state changes go
// through it: it serializes writers per transaction, validates edges,
// appends milestones, and bumps the optimistic-lock version.
type Ledger struct {
	store    Store
	locks    *syncutil.ContextShardedMutex
	now      func() time.Time
	observer Observer
}

// LedgerOption configures the ledger.
type LedgerOption func(*Ledger)

// WithObserver registers a post-commit hook.
func WithObserver(fn Observer) LedgerOption {
	return func(l *Ledger) { l.observer = fn }
}

// NewLedger creates a Ledger backed by the given store.
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store: store,
		locks: syncutil.NewContextShardedMutex(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateInput is the request to open a new transaction.
type CreateInput struct {
	BuyerID    string
	SupplierID string
	Amount     string
	Currency   money.Currency
}

// Create opens a transaction in the initiated state with its first milestone.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (*Transaction, error) {
	if in.BuyerID == "" || in.SupplierID == "" {
		return nil, fmt.Errorf("%w: buyer and supplier are required", ErrInvalidInput)
	}
	if in.BuyerID == in.SupplierID {
		return nil, fmt.Errorf("%w: buyer and supplier must differ", ErrInvalidInput)
	}
	amount, err := money.New(in.Amount, in.Currency)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	t := &Transaction{
		ID:         idgen.WithPrefix("txn_"),
		Reference:  newReference(),
		BuyerID:    in.BuyerID,
		SupplierID: in.SupplierID,
		Amount:     amount.Value,
		Currency:   amount.Currency,
		Status:     StatusInitiated,
		Milestones: []Milestone{{
			Stage:       string(StatusInitiated),
			Description: "transaction created",
			Actor:       ActorBuyer,
			CreatedAt:   now,
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	logging.L(ctx).Info("transaction created",
		"transaction_id", t.ID,
		"reference", t.Reference,
		"amount", t.Amount.String(),
		"currency", t.Currency)
	if l.observer != nil {
		l.observer(ctx, cloneTransaction(t))
	}
	return t, nil
}

// Get returns a transaction by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Transaction, error) {
	return l.store.Get(ctx, id)
}

// GetByReference returns a transaction by its human reference code.
func (l *Ledger) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	return l.store.GetByReference(ctx, ref)
}

// ListByParty returns transactions where the party is buyer or supplier.
func (l *Ledger) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	return l.store.ListByParty(ctx, partyID, limit)
}

// ListOpenEscrows returns non-terminal transactions holding an escrow.
func (l *Ledger) ListOpenEscrows(ctx context.Context, limit int) ([]*Transaction, error) {
	return l.store.ListOpenEscrows(ctx, limit)
}

// ListNeedingAttention returns transactions flagged for manual follow-up.
func (l *Ledger) ListNeedingAttention(ctx context.Context, limit int) ([]*Transaction, error) {
	return l.store.ListNeedingAttention(ctx, limit)
}

// Advance moves a transaction along one forward (or cancel) edge. The
// edge is validated against the state machine and the acting party;
// disputed transactions reject all forward movement.
func (l *Ledger) Advance(ctx context.Context, id string, to Status, actor Actor, note string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		if t.Status == StatusDisputed {
			return ErrDisputed
		}
		if err := CanTransition(t.Status, to, actor); err != nil {
			return fmt.Errorf("%w: %s -> %s by %s", err, t.Status, to, actor)
		}
		t.Status = to
		l.appendMilestone(t, string(to), note, actor)
		return nil
	})
}

// MarkDisputed applies the dispute overlay: the current state is parked
// in ResumeStatus and the transaction stops accepting forward edges.
func (l *Ledger) MarkDisputed(ctx context.Context, id string, actor Actor, note string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		if !t.Status.Disputable() {
			return fmt.Errorf("%w: cannot dispute in %s", ErrInvalidTransition, t.Status)
		}
		t.ResumeStatus = t.Status
		t.Status = StatusDisputed
		l.appendMilestone(t, string(StatusDisputed), note, actor)
		return nil
	})
}

// ResumeFromDispute restores the parked pre-dispute state. Only an
// admin resolution (or the system acting on one) may drive this.
func (l *Ledger) ResumeFromDispute(ctx context.Context, id string, actor Actor, note string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: not disputed (in %s)", ErrInvalidTransition, t.Status)
		}
		if actor != ActorAdmin && actor != ActorSystem {
			return ErrUnauthorizedActor
		}
		t.Status = t.ResumeStatus
		t.ResumeStatus = ""
		l.appendMilestone(t, string(t.Status), note, actor)
		return nil
	})
}

// MarkReleased records a successful on-chain release on the normal
// delivery path: the settlement hash is stored and the transaction
// moves from confirmed to escrow_released. A transaction that turned
// disputed after the submission is rejected here, so the caller can
// flag it instead of silently clearing the dispute overlay.
func (l *Ledger) MarkReleased(ctx context.Context, id, txHash string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		if t.Status != StatusConfirmed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusEscrowReleased)
		}
		t.Status = StatusEscrowReleased
		t.SettlementTxHash = txHash
		l.appendMilestone(t, string(StatusEscrowReleased), "escrow released to supplier", ActorSystem)
		return nil
	})
}

// MarkReleasedFromDispute records a release awarded by arbitration.
// Requires the disputed state and clears the parked resume state.
func (l *Ledger) MarkReleasedFromDispute(ctx context.Context, id, txHash string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: arbitration release requires a disputed transaction (in %s)",
				ErrInvalidTransition, t.Status)
		}
		t.Status = StatusEscrowReleased
		t.ResumeStatus = ""
		t.SettlementTxHash = txHash
		l.appendMilestone(t, string(StatusEscrowReleased), "escrow released to supplier by arbitration", ActorSystem)
		return nil
	})
}

// MarkRefunded moves a disputed transaction to the refunded terminal
// state after the on-chain refund succeeded.
func (l *Ledger) MarkRefunded(ctx context.Context, id, txHash, note string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: refund requires a disputed transaction (in %s)", ErrInvalidTransition, t.Status)
		}
		t.Status = StatusRefunded
		t.ResumeStatus = ""
		t.SettlementTxHash = txHash
		l.appendMilestone(t, string(StatusRefunded), note, ActorSystem)
		return nil
	})
}

// AttachEscrow records the on-chain escrow and moves the transaction to
// escrow_held in a single atomic update. The escrow identifier is set
// exactly once; a second attach is rejected regardless of state.
func (l *Ledger) AttachEscrow(ctx context.Context, id, escrowID, txHash string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		if t.EscrowID != "" {
			return fmt.Errorf("%w: escrow %s", ErrEscrowAlreadySet, t.EscrowID)
		}
		if t.Status != StatusPaymentReceived {
			return fmt.Errorf("%w: escrow requires payment_received (in %s)", ErrInvalidTransition, t.Status)
		}
		t.EscrowID = escrowID
		t.EscrowTxHash = txHash
		t.Status = StatusEscrowHeld
		l.appendMilestone(t, string(StatusEscrowHeld), "funds locked in escrow "+escrowID, ActorSystem)
		return nil
	})
}

// FlagAttention marks a transaction for manual follow-up without
// changing its state. Used when a settlement call failed after the
// ledger already committed to the outcome.
func (l *Ledger) FlagAttention(ctx context.Context, id, note string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		t.NeedsAttention = true
		l.appendMilestone(t, "attention", note, ActorSystem)
		return nil
	})
}

// ClearAttention removes the manual follow-up flag.
func (l *Ledger) ClearAttention(ctx context.Context, id, note string) (*Transaction, error) {
	return l.mutate(ctx, id, func(t *Transaction) error {
		t.NeedsAttention = false
		l.appendMilestone(t, "attention_cleared", note, ActorAdmin)
		return nil
	})
}

// mutate serializes writers on the transaction, loads it, applies fn,
// and persists with the optimistic version check. One retry on a
// version conflict covers racing out-of-process writers.
func (l *Ledger) mutate(ctx context.Context, id string, fn func(*Transaction) error) (*Transaction, error) {
	unlock, err := l.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := l.apply(ctx, id, fn)
	if errors.Is(err, ErrConcurrentModification) {
		t, err = l.apply(ctx, id, fn)
	}
	return t, err
}

func (l *Ledger) apply(ctx context.Context, id string, fn func(*Transaction) error) (*Transaction, error) {
	t, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	before := len(t.Milestones)
	if err := fn(t); err != nil {
		return nil, err
	}
	appended := t.Milestones[before:]

	t.UpdatedAt = l.now().UTC()
	if err := l.store.Update(ctx, t, appended); err != nil {
		return nil, err
	}
	t.Version++

	logging.L(ctx).Info("transaction updated",
		"transaction_id", t.ID,
		"status", t.Status,
		"version", t.Version)
	if l.observer != nil {
		l.observer(ctx, cloneTransaction(t))
	}
	return t, nil
}

// appendMilestone adds a milestone with a non-decreasing timestamp. A
// clock step backwards must not reorder the audit trail.
func (l *Ledger) appendMilestone(t *Transaction, stage, note string, actor Actor) {
	ts := l.now().UTC()
	if n := len(t.Milestones); n > 0 && ts.Before(t.Milestones[n-1].CreatedAt) {
		ts = t.Milestones[n-1].CreatedAt
	}
	t.Milestones = append(t.Milestones, Milestone{
		Stage:       stage,
		Description: note,
		Actor:       actor,
		CreatedAt:   ts,
	})
}
