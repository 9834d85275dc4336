// Package delivery handles the buyer's acceptance of received goods,
// the gate between delivery and escrow release.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/settlement"
	"github.com/tradegate/settlement/internal/transaction"
)

var (
	// ErrIncompleteConfirmation means the acceptance checklist was not
	// fully satisfied. The transaction stays in delivered; the buyer can
	// re-confirm or open a dispute.
	ErrIncompleteConfirmation = errors.New("delivery: confirmation checklist incomplete")

	// ErrNotBuyer rejects confirmation from anyone but the buyer.
	ErrNotBuyer = errors.New("delivery: only the buyer may confirm delivery")
)

// Checklist is the buyer's acceptance of the received goods. All three
// checks must pass before funds move.
type Checklist struct {
	ConditionOK       bool `json:"conditionOk"`
	QuantityMatch     bool `json:"quantityMatch"`
	QualityAcceptable bool `json:"qualityAcceptable"`
}

// failures names the unchecked items, for the error message.
func (c Checklist) failures() []string {
	var out []string
	if !c.ConditionOK {
		out = append(out, "conditionOk")
	}
	if !c.QuantityMatch {
		out = append(out, "quantityMatch")
	}
	if !c.QualityAcceptable {
		out = append(out, "qualityAcceptable")
	}
	return out
}

// Releaser triggers the escrow release after a confirmed delivery.
type Releaser interface {
	Release(ctx context.Context, transactionID string) (*settlement.Result, error)
}

// Handler processes delivery confirmations.
type Handler struct {
	ledger   *transaction.Ledger
	releaser Releaser
}

// NewHandler wires the delivery confirmation handler.
func NewHandler(ledger *transaction.Ledger, releaser Releaser) *Handler {
	return &Handler{ledger: ledger, releaser: releaser}
}

// Confirm records the buyer's acceptance and triggers the escrow
// release. A failed release leaves the transaction in confirmed; the
// release is retried later and the confirmation itself is not undone.
func (h *Handler) Confirm(ctx context.Context, transactionID, buyerID string, checklist Checklist) (*transaction.Transaction, *settlement.Result, error) {
	t, err := h.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, nil, err
	}
	if t.BuyerID != buyerID {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotBuyer, buyerID)
	}

	if failed := checklist.failures(); len(failed) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrIncompleteConfirmation, strings.Join(failed, ", "))
	}

	t, err = h.ledger.Advance(ctx, transactionID, transaction.StatusConfirmed,
		transaction.ActorBuyer, "delivery accepted: condition, quantity, and quality checks passed")
	if err != nil {
		return nil, nil, err
	}

	res, err := h.releaser.Release(ctx, transactionID)
	if err != nil {
		logging.L(ctx).Error("delivery confirmed but release failed; will retry",
			"transaction_id", transactionID, "error", err)
		return t, nil, err
	}
	return t, res, nil
}
