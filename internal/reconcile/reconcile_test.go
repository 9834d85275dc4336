package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/tradegate/settlement/internal/chain"
	"github.com/tradegate/settlement/internal/money"
	"github.com/tradegate/settlement/internal/transaction"
)

type mockGateway struct {
	statuses map[string]chain.EscrowStatus
	errs     map[string]error
}

func (m *mockGateway) GetStatus(_ context.Context, id *big.Int) (chain.EscrowStatus, error) {
	key := id.String()
	if err := m.errs[key]; err != nil {
		return chain.EscrowStatus{}, err
	}
	if st, ok := m.statuses[key]; ok {
		return st, nil
	}
	return chain.EscrowStatus{State: chain.EscrowActive, Code: 1}, nil
}

type sweepFixture struct {
	ledger *transaction.Ledger
	gw     *mockGateway
	rec    *Reconciler
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	ledger := transaction.NewLedger(transaction.NewMemoryStore())
	gw := &mockGateway{
		statuses: make(map[string]chain.EscrowStatus),
		errs:     make(map[string]error),
	}
	return &sweepFixture{ledger: ledger, gw: gw, rec: New(ledger, gw, 0)}
}

// escrowed creates a transaction holding the given escrow, advanced to
// the target status.
func (f *sweepFixture) escrowed(t *testing.T, escrowID string, target transaction.Status) *transaction.Transaction {
	t.Helper()
	ctx := context.Background()
	tr, err := f.ledger.Create(ctx, transaction.CreateInput{
		BuyerID:    "party_buyer",
		SupplierID: "party_supplier",
		Amount:     "1200.00",
		Currency:   money.USD,
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
		if _, err := f.ledger.Advance(ctx, tr.ID, s.to, s.actor, ""); err != nil {
			t.Fatalf("advance to %s: %v", s.to, err)
		}
	}
	if _, err := f.ledger.AttachEscrow(ctx, tr.ID, escrowID, "0xescrow"); err != nil {
		t.Fatalf("attach escrow: %v", err)
	}
	if target == transaction.StatusEscrowHeld {
		return tr
	}
	steps := []struct {
		to    transaction.Status
		actor transaction.Actor
	}{
		{transaction.StatusProduction, transaction.ActorSupplier},
		{transaction.StatusQualityCheck, transaction.ActorSupplier},
		{transaction.StatusShipped, transaction.ActorSupplier},
		{transaction.StatusInTransit, transaction.ActorSupplier},
		{transaction.StatusDelivered, transaction.ActorSupplier},
		{transaction.StatusConfirmed, transaction.ActorBuyer},
	}
	for _, s := range steps {
		if _, err := f.ledger.Advance(ctx, tr.ID, s.to, s.actor, ""); err != nil {
			t.Fatalf("advance to %s: %v", s.to, err)
		}
		if s.to == target {
			return tr
		}
	}
	t.Fatalf("unreachable target %s", target)
	return nil
}

func TestSweepAgreementNoDrift(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	tr := f.escrowed(t, "7", transaction.StatusInTransit)
	f.gw.statuses["7"] = chain.EscrowStatus{State: chain.EscrowActive, Code: 1}

	if drift := f.rec.Sweep(ctx); drift != 0 {
		t.Errorf("drift = %d, want 0", drift)
	}

	got, _ := f.ledger.Get(ctx, tr.ID)
	if got.NeedsAttention {
		t.Error("agreeing transaction should not be flagged")
	}
}

func TestSweepSyncsUnrecordedRelease(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	tr := f.escrowed(t, "7", transaction.StatusConfirmed)

	// The release landed on-chain but the ledger never saw it.
	f.gw.statuses["7"] = chain.EscrowStatus{State: chain.EscrowReleased, Code: 2}

	if drift := f.rec.Sweep(ctx); drift != 1 {
		t.Errorf("drift = %d, want 1", drift)
	}

	got, _ := f.ledger.Get(ctx, tr.ID)
	if got.Status != transaction.StatusCompleted {
		t.Errorf("status = %s, want completed (chain wins)", got.Status)
	}
}

func TestSweepCompletesReleasedTransaction(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	tr := f.escrowed(t, "7", transaction.StatusConfirmed)
	if _, err := f.ledger.MarkReleased(ctx, tr.ID, "0xrelease"); err != nil {
		t.Fatalf("mark released: %v", err)
	}
	f.gw.statuses["7"] = chain.EscrowStatus{State: chain.EscrowReleased, Code: 2}

	if drift := f.rec.Sweep(ctx); drift != 1 {
		t.Errorf("drift = %d, want 1", drift)
	}

	got, _ := f.ledger.Get(ctx, tr.ID)
	if got.Status != transaction.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestSweepFlagsReleaseMidFulfillment(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	tr := f.escrowed(t, "7", transaction.StatusProduction)
	f.gw.statuses["7"] = chain.EscrowStatus{State: chain.EscrowReleased, Code: 2}

	if drift := f.rec.Sweep(ctx); drift != 1 {
		t.Errorf("drift = %d, want 1", drift)
	}

	got, _ := f.ledger.Get(ctx, tr.ID)
	if !got.NeedsAttention {
		t.Error("transaction should be flagged")
	}
	if got.Status != transaction.StatusProduction {
		t.Errorf("status = %s, want production unchanged (ambiguous fix)", got.Status)
	}
}

func TestSweepSyncsUnrecordedRefund(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	tr := f.escrowed(t, "7", transaction.StatusInTransit)
	if _, err := f.ledger.MarkDisputed(ctx, tr.ID, transaction.ActorBuyer, "damaged"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}
	f.gw.statuses["7"] = chain.EscrowStatus{State: chain.EscrowRefunded, Code: 3}

	if drift := f.rec.Sweep(ctx); drift != 1 {
		t.Errorf("drift = %d, want 1", drift)
	}

	got, _ := f.ledger.Get(ctx, tr.ID)
	if got.Status != transaction.StatusRefunded {
		t.Errorf("status = %s, want refunded", got.Status)
	}
}

func TestSweepFlagsRefundWithoutDispute(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	tr := f.escrowed(t, "7", transaction.StatusInTransit)
	f.gw.statuses["7"] = chain.EscrowStatus{State: chain.EscrowRefunded, Code: 3}

	if drift := f.rec.Sweep(ctx); drift != 1 {
		t.Errorf("drift = %d, want 1", drift)
	}

	got, _ := f.ledger.Get(ctx, tr.ID)
	if !got.NeedsAttention {
		t.Error("transaction should be flagged")
	}
	if got.Status != transaction.StatusInTransit {
		t.Errorf("status = %s, want in_transit unchanged", got.Status)
	}
}

func TestSweepFlagsUnknownStatusCode(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	tr := f.escrowed(t, "7", transaction.StatusEscrowHeld)
	f.gw.statuses["7"] = chain.EscrowStatus{State: chain.EscrowUnknown, Code: 9}

	if drift := f.rec.Sweep(ctx); drift != 1 {
		t.Errorf("drift = %d, want 1", drift)
	}

	got, _ := f.ledger.Get(ctx, tr.ID)
	if !got.NeedsAttention {
		t.Error("transaction should be flagged")
	}
}

func TestSweepSkipsUnreadableEscrows(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	tr := f.escrowed(t, "7", transaction.StatusEscrowHeld)
	f.gw.errs["7"] = errors.New("rpc unreachable")

	if drift := f.rec.Sweep(ctx); drift != 0 {
		t.Errorf("drift = %d, want 0 (read failure is not drift)", drift)
	}

	got, _ := f.ledger.Get(ctx, tr.ID)
	if got.NeedsAttention {
		t.Error("unreadable escrow should not be flagged")
	}
}

func TestSweepCountsOnlyDisagreements(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.escrowed(t, "1", transaction.StatusEscrowHeld)
	f.escrowed(t, "2", transaction.StatusInTransit)
	mismatch := f.escrowed(t, "3", transaction.StatusInTransit)
	f.gw.statuses["3"] = chain.EscrowStatus{State: chain.EscrowRefunded, Code: 3}

	if drift := f.rec.Sweep(ctx); drift != 1 {
		t.Errorf("drift = %d, want 1", drift)
	}

	flagged, err := f.ledger.ListNeedingAttention(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(flagged) != 1 || flagged[0].ID != mismatch.ID {
		t.Errorf("flagged = %v", flagged)
	}
}
