// Package transaction is the authoritative off-chain record of a trade.
//
// A transaction is created when a quotation is accepted and then moves
// through payment, escrow, fulfillment, and settlement stages. Every
// state change appends an immutable milestone. Transactions are never
// deleted: terminal states are retained for audit.
package transaction

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradegate/settlement/internal/money"
)

var (
	ErrNotFound     = errors.New("transaction not found")
	ErrInvalidInput = errors.New("invalid transaction input")

	// ErrInvalidTransition marks a state change that violates the state
	// machine. Always a programming or authorization error; never retried.
	ErrInvalidTransition = errors.New("invalid transaction state transition")

	// ErrUnauthorizedActor means the acting party may not drive this edge.
	ErrUnauthorizedActor = errors.New("actor not authorized for this transition")

	// ErrConcurrentModification is an optimistic-lock conflict. Callers
	// should re-fetch and retry once.
	ErrConcurrentModification = errors.New("transaction modified concurrently")

	// ErrDisputed blocks forward progress while a dispute is open.
	ErrDisputed = errors.New("transaction is disputed; blocked until resolution")

	// ErrEscrowAlreadySet enforces that escrowId is set exactly once.
	ErrEscrowAlreadySet = errors.New("transaction already has an escrow")
)

// Status is a transaction lifecycle state.
type Status string

const (
	StatusInitiated       Status = "initiated"
	StatusPaymentPending  Status = "payment_pending"
	StatusPaymentReceived Status = "payment_received"
	StatusEscrowHeld      Status = "escrow_held"
	StatusProduction      Status = "production"
	StatusQualityCheck    Status = "quality_check"
	StatusShipped         Status = "shipped"
	StatusInTransit       Status = "in_transit"
	StatusDelivered       Status = "delivered"
	StatusConfirmed       Status = "confirmed"
	StatusEscrowReleased  Status = "escrow_released"
	StatusCompleted       Status = "completed"

	// StatusDisputed is an overlay: the pre-dispute state is preserved in
	// ResumeStatus so an admin resolution can continue the trajectory.
	StatusDisputed Status = "disputed"

	// StatusCancelled is reachable only before funds enter escrow.
	StatusCancelled Status = "cancelled"

	// StatusRefunded is the dispute-refund terminal state.
	StatusRefunded Status = "refunded"
)

// Actor identifies who is driving a transition.
type Actor string

const (
	ActorBuyer    Actor = "buyer"
	ActorSupplier Actor = "supplier"
	ActorAdmin    Actor = "admin"
	ActorSystem   Actor = "system"
)

// forwardEdges is the declared edge set: for each source state, the
// permitted next states and the actors allowed to drive each edge.
// The dispute overlay and cancellation are handled separately.
var forwardEdges = map[Status]map[Status][]Actor{
	StatusInitiated:       {StatusPaymentPending: {ActorSystem, ActorBuyer}},
	StatusPaymentPending:  {StatusPaymentReceived: {ActorSystem}},
	StatusPaymentReceived: {StatusEscrowHeld: {ActorSystem}},
	StatusEscrowHeld:      {StatusProduction: {ActorSupplier}},
	StatusProduction:      {StatusQualityCheck: {ActorSupplier}},
	StatusQualityCheck:    {StatusShipped: {ActorSupplier}},
	StatusShipped:         {StatusInTransit: {ActorSupplier, ActorSystem}},
	StatusInTransit:       {StatusDelivered: {ActorSupplier, ActorSystem}},
	StatusDelivered:       {StatusConfirmed: {ActorBuyer}},
	StatusConfirmed:       {StatusEscrowReleased: {ActorSystem, ActorAdmin}},
	StatusEscrowReleased:  {StatusCompleted: {ActorSystem}},
}

// cancelEdges limits cancellation to pre-escrow states.
var cancelEdges = map[Status][]Actor{
	StatusInitiated:      {ActorBuyer, ActorSupplier, ActorAdmin},
	StatusPaymentPending: {ActorBuyer, ActorAdmin},
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Disputable reports whether a dispute may be opened from this state.
// Funds already released (or never held) cannot be frozen.
func (s Status) Disputable() bool {
	if s.Terminal() || s == StatusDisputed {
		return false
	}
	return s != StatusEscrowReleased
}

// CanTransition validates one forward edge. Returns ErrInvalidTransition
// for an out-of-set edge and ErrUnauthorizedActor for a known edge
// driven by the wrong party.
func CanTransition(from, to Status, actor Actor) error {
	if to == StatusCancelled {
		actors, ok := cancelEdges[from]
		if !ok {
			return ErrInvalidTransition
		}
		return checkActor(actors, actor)
	}

	next, ok := forwardEdges[from]
	if !ok {
		return ErrInvalidTransition
	}
	actors, ok := next[to]
	if !ok {
		return ErrInvalidTransition
	}
	return checkActor(actors, actor)
}

func checkActor(allowed []Actor, actor Actor) error {
	for _, a := range allowed {
		if a == actor {
			return nil
		}
	}
	return ErrUnauthorizedActor
}

// Milestone is an append-only, timestamped record of a transaction's
// progress. Never mutated after insertion.
type Milestone struct {
	Stage       string    `json:"stage"`
	Description string    `json:"description,omitempty"`
	Actor       Actor     `json:"actor"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Transaction is the ledger's root entity.
type Transaction struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`

	// Parties are immutable after creation.
	BuyerID    string `json:"buyerId"`
	SupplierID string `json:"supplierId"`

	// Amount is immutable once an escrow exists.
	Amount   decimal.Decimal `json:"amount"`
	Currency money.Currency  `json:"currency"`

	Status Status `json:"status"`

	// ResumeStatus holds the pre-dispute trajectory while Status is
	// disputed; empty otherwise.
	ResumeStatus Status `json:"resumeStatus,omitempty"`

	// EscrowID is the on-chain escrow identifier (decimal string).
	// Set exactly once, never cleared.
	EscrowID     string `json:"escrowId,omitempty"`
	EscrowTxHash string `json:"escrowTxHash,omitempty"`

	// SettlementTxHash records the release or refund submission, so a
	// repeated settlement request can return the prior outcome instead
	// of touching the chain again.
	SettlementTxHash string `json:"settlementTxHash,omitempty"`

	// NeedsAttention flags a transaction for manual follow-up after a
	// failed release or refund.
	NeedsAttention bool `json:"needsAttention,omitempty"`

	Milestones []Milestone `json:"milestones"`

	// Version backs optimistic locking in the store.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EffectiveStatus is the state transitions are validated against: the
// resume state while disputed, the status otherwise.
func (t *Transaction) EffectiveStatus() Status {
	if t.Status == StatusDisputed && t.ResumeStatus != "" {
		return t.ResumeStatus
	}
	return t.Status
}

// newReference builds the human reference code, e.g. "TRD-9F3A21C4".
func newReference() string {
	return "TRD-" + strings.ToUpper(uuid.NewString()[:8])
}
