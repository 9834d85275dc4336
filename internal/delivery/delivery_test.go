package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tradegate/settlement/internal/money"
	"github.com/tradegate/settlement/internal/settlement"
	"github.com/tradegate/settlement/internal/transaction"
)

type mockReleaser struct {
	calls int
	err   error
}

func (m *mockReleaser) Release(context.Context, string) (*settlement.Result, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &settlement.Result{TxHash: "0xrelease"}, nil
}

func allGood() Checklist {
	return Checklist{ConditionOK: true, QuantityMatch: true, QualityAcceptable: true}
}

// deliveredTransaction builds a transaction sitting in delivered.
func deliveredTransaction(t *testing.T, ledger *transaction.Ledger) *transaction.Transaction {
	t.Helper()
	ctx := context.Background()
	tr, err := ledger.Create(ctx, transaction.CreateInput{
		BuyerID:    "party_buyer",
		SupplierID: "party_supplier",
		Amount:     "9800.00",
		Currency:   money.EUR,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, s := range []struct {
		to    transaction.Status
		actor transaction.Actor
	}{
		{transaction.StatusPaymentPending, transaction.ActorSystem},
		{transaction.StatusPaymentReceived, transaction.ActorSystem},
	} {
		if _, err := ledger.Advance(ctx, tr.ID, s.to, s.actor, ""); err != nil {
			t.Fatalf("advance to %s: %v", s.to, err)
		}
	}
	if _, err := ledger.AttachEscrow(ctx, tr.ID, "7", "0xescrow"); err != nil {
		t.Fatalf("attach escrow: %v", err)
	}
	for _, s := range []struct {
		to    transaction.Status
		actor transaction.Actor
	}{
		{transaction.StatusProduction, transaction.ActorSupplier},
		{transaction.StatusQualityCheck, transaction.ActorSupplier},
		{transaction.StatusShipped, transaction.ActorSupplier},
		{transaction.StatusInTransit, transaction.ActorSupplier},
		{transaction.StatusDelivered, transaction.ActorSupplier},
	} {
		if _, err := ledger.Advance(ctx, tr.ID, s.to, s.actor, ""); err != nil {
			t.Fatalf("advance to %s: %v", s.to, err)
		}
	}
	return tr
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	ledger := transaction.NewLedger(transaction.NewMemoryStore())
	releaser := &mockReleaser{}
	h := NewHandler(ledger, releaser)
	tr := deliveredTransaction(t, ledger)

	got, res, err := h.Confirm(ctx, tr.ID, "party_buyer", allGood())
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Status != transaction.StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
	if res == nil || res.TxHash != "0xrelease" {
		t.Errorf("release result = %+v", res)
	}
	if releaser.calls != 1 {
		t.Errorf("release calls = %d, want 1", releaser.calls)
	}
}

func TestConfirmChecklistIncomplete(t *testing.T) {
	ctx := context.Background()
	ledger := transaction.NewLedger(transaction.NewMemoryStore())
	releaser := &mockReleaser{}
	h := NewHandler(ledger, releaser)
	tr := deliveredTransaction(t, ledger)

	checklist := allGood()
	checklist.QualityAcceptable = false

	_, _, err := h.Confirm(ctx, tr.ID, "party_buyer", checklist)
	if !errors.Is(err, ErrIncompleteConfirmation) {
		t.Fatalf("expected ErrIncompleteConfirmation, got %v", err)
	}
	if !strings.Contains(err.Error(), "qualityAcceptable") {
		t.Errorf("error should name the failed check: %v", err)
	}
	if releaser.calls != 0 {
		t.Errorf("release calls = %d, want 0", releaser.calls)
	}

	// The transaction is untouched; the buyer can re-confirm or dispute.
	got, _ := ledger.Get(ctx, tr.ID)
	if got.Status != transaction.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
}

func TestConfirmOnlyBuyer(t *testing.T) {
	ctx := context.Background()
	ledger := transaction.NewLedger(transaction.NewMemoryStore())
	h := NewHandler(ledger, &mockReleaser{})
	tr := deliveredTransaction(t, ledger)

	_, _, err := h.Confirm(ctx, tr.ID, "party_supplier", allGood())
	if !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
}

func TestConfirmRequiresDelivered(t *testing.T) {
	ctx := context.Background()
	ledger := transaction.NewLedger(transaction.NewMemoryStore())
	h := NewHandler(ledger, &mockReleaser{})

	tr, err := ledger.Create(ctx, transaction.CreateInput{
		BuyerID:    "party_buyer",
		SupplierID: "party_supplier",
		Amount:     "50.00",
		Currency:   money.USD,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, _, err = h.Confirm(ctx, tr.ID, "party_buyer", allGood())
	if !errors.Is(err, transaction.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConfirmStandsWhenReleaseFails(t *testing.T) {
	ctx := context.Background()
	ledger := transaction.NewLedger(transaction.NewMemoryStore())
	releaser := &mockReleaser{err: errors.New("rpc unreachable")}
	h := NewHandler(ledger, releaser)
	tr := deliveredTransaction(t, ledger)

	got, res, err := h.Confirm(ctx, tr.ID, "party_buyer", allGood())
	if err == nil {
		t.Fatal("expected release error")
	}
	if got == nil || got.Status != transaction.StatusConfirmed {
		t.Fatalf("confirmation must stand: got %+v", got)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}

	fresh, _ := ledger.Get(ctx, tr.ID)
	if fresh.Status != transaction.StatusConfirmed {
		t.Errorf("status = %s, want confirmed so release can be retried", fresh.Status)
	}
}
