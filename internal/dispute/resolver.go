package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradegate/settlement/internal/idgen"
	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/metrics"
	"github.com/tradegate/settlement/internal/settlement"
	"github.com/tradegate/settlement/internal/transaction"
)

// Store persists disputes and their evidence.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update rewrites the dispute's mutable fields and appends any new
	// evidence entries.
	Update(ctx context.Context, d *Dispute, newEvidence []Evidence) error
	// GetOpenByTransaction returns the unresolved dispute for a
	// transaction, or ErrNotFound.
	GetOpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}

// Settler executes the on-chain side of a resolution and serializes
// dispute filing against in-flight settlement operations.
type Settler interface {
	Refund(ctx context.Context, transactionID string) (*settlement.Result, error)
	ReleaseFromDispute(ctx context.Context, transactionID string) (*settlement.Result, error)
	// Freeze applies the dispute overlay under the settlement lock, so a
	// filing cannot interleave with a release already on the wire.
	Freeze(ctx context.Context, transactionID string, actor transaction.Actor, note string) (*transaction.Transaction, error)
}

// Resolver is the dispute service. Filing freezes the transaction;
// resolution settles or resumes it. Only admins resolve.
type Resolver struct {
	store   Store
	ledger  *transaction.Ledger
	settler Settler
	now     func() time.Time
}

// NewResolver wires the dispute service.
func NewResolver(store Store, ledger *transaction.Ledger, settler Settler) *Resolver {
	return &Resolver{
		store:   store,
		ledger:  ledger,
		settler: settler,
		now:     time.Now,
	}
}

// HasOpen reports whether the transaction has an unresolved dispute.
// Implements the coordinator's dispute check.
func (r *Resolver) HasOpen(ctx context.Context, transactionID string) (bool, error) {
	_, err := r.store.GetOpenByTransaction(ctx, transactionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a dispute by ID.
func (r *Resolver) Get(ctx context.Context, id string) (*Dispute, error) {
	return r.store.Get(ctx, id)
}

// ListByTransaction returns all disputes ever filed for a transaction.
func (r *Resolver) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return r.store.ListByTransaction(ctx, transactionID)
}

// ListOpen returns unresolved disputes for the admin queue.
func (r *Resolver) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	return r.store.ListOpen(ctx, limit)
}

// FileInput is a request to open a dispute.
type FileInput struct {
	TransactionID string
	FiledBy       string
	Reason        Reason
	Description   string

	// RequestedResolution is the filer's preferred outcome; advisory,
	// the admin verdict is free to differ.
	RequestedResolution Resolution

	// Evidence carries references attached at filing time.
	Evidence []EvidenceInput
}

// File opens a dispute and freezes the transaction. The filer must be
// the buyer or supplier; at most one dispute may be open at a time.
func (r *Resolver) File(ctx context.Context, in FileInput) (*Dispute, error) {
	if !in.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown dispute reason %q", ErrInvalidInput, in.Reason)
	}
	if in.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	if in.RequestedResolution != "" && !in.RequestedResolution.Valid() {
		return nil, fmt.Errorf("%w: unknown requested resolution %q", ErrInvalidInput, in.RequestedResolution)
	}
	for _, ev := range in.Evidence {
		if ev.Description == "" {
			return nil, fmt.Errorf("%w: evidence description is required", ErrInvalidInput)
		}
	}

	t, err := r.ledger.Get(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}
	role, err := participantRole(t, in.FiledBy)
	if err != nil {
		return nil, err
	}

	if _, err := r.store.GetOpenByTransaction(ctx, in.TransactionID); err == nil {
		return nil, ErrAlreadyOpen
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Freeze first: the settler validates the state and serializes the
	// overlay against a settlement already in flight.
	if _, err := r.settler.Freeze(ctx, in.TransactionID, role,
		fmt.Sprintf("dispute filed by %s (%s): %s", role, in.Reason, in.Description)); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	d := &Dispute{
		ID:                  idgen.WithPrefix("dsp_"),
		TransactionID:       in.TransactionID,
		FiledBy:             in.FiledBy,
		FiledRole:           role,
		Reason:              in.Reason,
		Description:         in.Description,
		RequestedResolution: in.RequestedResolution,
		Status:              StatusOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	for _, ev := range in.Evidence {
		d.Evidence = append(d.Evidence, Evidence{
			ID:          idgen.WithPrefix("evd_"),
			SubmittedBy: in.FiledBy,
			Description: ev.Description,
			URI:         ev.URI,
			CreatedAt:   now,
		})
	}
	if err := r.store.Create(ctx, d); err != nil {
		// Unfreeze: the dispute record never existed.
		if _, rerr := r.ledger.ResumeFromDispute(ctx, in.TransactionID, transaction.ActorSystem,
			"dispute filing failed; state restored"); rerr != nil {
			logging.L(ctx).Error("failed to restore transaction after dispute create failure",
				"transaction_id", in.TransactionID, "error", rerr)
		}
		return nil, fmt.Errorf("create dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("filed").Inc()
	logging.L(ctx).Info("dispute filed",
		"dispute_id", d.ID,
		"transaction_id", d.TransactionID,
		"filed_role", d.FiledRole)
	return d, nil
}

// EvidenceInput is a request to attach evidence to a dispute.
type EvidenceInput struct {
	SubmittedBy string
	Description string
	URI         string
}

// AddEvidence appends evidence to an open dispute. Both parties and
// admins may submit; entries are immutable once added.
func (r *Resolver) AddEvidence(ctx context.Context, disputeID string, in EvidenceInput) (*Dispute, error) {
	if in.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}

	d, err := r.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Open() {
		return nil, ErrNotOpen
	}

	t, err := r.ledger.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	if in.SubmittedBy != t.BuyerID && in.SubmittedBy != t.SupplierID {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, in.SubmittedBy)
	}

	ev := Evidence{
		ID:          idgen.WithPrefix("evd_"),
		SubmittedBy: in.SubmittedBy,
		Description: in.Description,
		URI:         in.URI,
		CreatedAt:   r.now().UTC(),
	}
	d.Evidence = append(d.Evidence, ev)
	d.UpdatedAt = ev.CreatedAt
	if err := r.store.Update(ctx, d, []Evidence{ev}); err != nil {
		return nil, fmt.Errorf("append evidence: %w", err)
	}
	return d, nil
}

// StartReview moves an open dispute into under_review.
func (r *Resolver) StartReview(ctx context.Context, disputeID, adminID string) (*Dispute, error) {
	d, err := r.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: in %s", ErrNotOpen, d.Status)
	}
	d.Status = StatusUnderReview
	d.UpdatedAt = r.now().UTC()
	if err := r.store.Update(ctx, d, nil); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute under review", "dispute_id", d.ID, "admin_id", adminID)
	return d, nil
}

// ResolveInput is an admin verdict.
type ResolveInput struct {
	AdminID    string
	Resolution Resolution
	Note       string
}

// Resolve closes the dispute with the admin's verdict and executes its
// settlement side. The dispute is marked resolved even when the chain
// call fails: the verdict stands, and the transaction is flagged for
// manual settlement instead of leaving the dispute open forever.
func (r *Resolver) Resolve(ctx context.Context, disputeID string, in ResolveInput) (*Dispute, error) {
	if !in.Resolution.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, in.Resolution)
	}

	d, err := r.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Open() {
		return nil, fmt.Errorf("%w: in %s", ErrNotOpen, d.Status)
	}

	var settleErr error
	switch in.Resolution {
	case ResolutionRefund:
		_, settleErr = r.settler.Refund(ctx, d.TransactionID)
	case ResolutionRelease:
		_, settleErr = r.settler.ReleaseFromDispute(ctx, d.TransactionID)
	case ResolutionResume:
		_, settleErr = r.ledger.ResumeFromDispute(ctx, d.TransactionID, transaction.ActorAdmin,
			"dispute dismissed: "+in.Note)
	case ResolutionPartial:
		// The escrow contract settles all-or-nothing. A split is
		// recorded here and executed manually by operations.
		_, settleErr = r.ledger.FlagAttention(ctx, d.TransactionID,
			"partial dispute resolution requires manual settlement: "+in.Note)
	}
	if settleErr != nil {
		logging.L(ctx).Error("dispute resolution settlement failed; verdict recorded, transaction flagged",
			"dispute_id", d.ID,
			"transaction_id", d.TransactionID,
			"resolution", in.Resolution,
			"error", settleErr)
		if _, ferr := r.ledger.FlagAttention(ctx, d.TransactionID,
			fmt.Sprintf("dispute %s resolved as %s but settlement failed", d.ID, in.Resolution)); ferr != nil {
			logging.L(ctx).Error("failed to flag transaction after settlement failure",
				"transaction_id", d.TransactionID, "error", ferr)
		}
	}

	now := r.now().UTC()
	d.Status = StatusResolved
	d.Resolution = in.Resolution
	d.ResolutionNote = in.Note
	d.ResolvedBy = in.AdminID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := r.store.Update(ctx, d, nil); err != nil {
		return nil, fmt.Errorf("record resolution: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID,
		"transaction_id", d.TransactionID,
		"resolution", d.Resolution,
		"admin_id", in.AdminID,
		"settlement_failed", settleErr != nil)
	return d, nil
}

func participantRole(t *transaction.Transaction, partyID string) (transaction.Actor, error) {
	switch partyID {
	case t.BuyerID:
		return transaction.ActorBuyer, nil
	case t.SupplierID:
		return transaction.ActorSupplier, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotParticipant, partyID)
}
