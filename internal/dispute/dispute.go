// Package dispute handles dispute filing, evidence collection, and
// admin resolution for escrow-backed transactions.
package dispute

import (
	"errors"
	"time"

	"github.com/tradegate/settlement/internal/transaction"
)

var (
	ErrNotFound = errors.New("dispute not found")

	// ErrAlreadyOpen enforces at most one unresolved dispute per
	// transaction.
	ErrAlreadyOpen = errors.New("transaction already has an open dispute")

	// ErrNotOpen rejects evidence or review on a resolved dispute.
	ErrNotOpen = errors.New("dispute is not open")

	ErrInvalidInput      = errors.New("invalid dispute input")
	ErrInvalidResolution = errors.New("invalid dispute resolution")

	// ErrNotParticipant rejects filings and evidence from parties
	// outside the transaction.
	ErrNotParticipant = errors.New("party is not a participant in the transaction")
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Open reports whether the dispute still blocks settlement.
func (s Status) Open() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Reason categorizes a filing. Free-form detail goes in the dispute's
// description.
type Reason string

const (
	ReasonQuality  Reason = "quality"
	ReasonQuantity Reason = "quantity"
	ReasonDamage   Reason = "damage"
	ReasonDelay    Reason = "delay"
	ReasonFraud    Reason = "fraud"
	ReasonOther    Reason = "other"
)

// Valid reports whether the reason is in the supported set.
func (r Reason) Valid() bool {
	switch r {
	case ReasonQuality, ReasonQuantity, ReasonDamage, ReasonDelay, ReasonFraud, ReasonOther:
		return true
	}
	return false
}

// Resolution is the admin's verdict.
type Resolution string

const (
	// ResolutionRelease awards the escrowed funds to the supplier.
	ResolutionRelease Resolution = "release"
	// ResolutionRefund returns the escrowed funds to the buyer.
	ResolutionRefund Resolution = "refund"
	// ResolutionResume dismisses the dispute and restores the
	// transaction's pre-dispute trajectory.
	ResolutionResume Resolution = "resume"
	// ResolutionPartial records a negotiated split. The contract cannot
	// split an escrow, so the transaction is flagged for manual
	// settlement by operations.
	ResolutionPartial Resolution = "partial"
)

// Valid reports whether the resolution is in the supported set.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRelease, ResolutionRefund, ResolutionResume, ResolutionPartial:
		return true
	}
	return false
}

// Evidence is a party's supporting document for a dispute.
// Append-only: entries are never edited or removed.
type Evidence struct {
	ID          string    `json:"id"`
	SubmittedBy string    `json:"submittedBy"`
	Description string    `json:"description"`
	URI         string    `json:"uri,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Dispute is a formal objection against a transaction, frozen until an
// admin resolves it.
type Dispute struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`

	FiledBy     string            `json:"filedBy"`
	FiledRole   transaction.Actor `json:"filedRole"`
	Reason      Reason            `json:"reason"`
	Description string            `json:"description"`

	// RequestedResolution is what the filer asked for; the admin verdict
	// in Resolution may differ.
	RequestedResolution Resolution `json:"requestedResolution,omitempty"`

	Status Status `json:"status"`

	Resolution     Resolution `json:"resolution,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`

	Evidence []Evidence `json:"evidence"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
