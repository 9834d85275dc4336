package transaction

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/tradegate/settlement/internal/money"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(NewMemoryStore())
}

func createTestTransaction(t *testing.T, l *Ledger) *Transaction {
	t.Helper()
	tr, err := l.Create(context.Background(), CreateInput{
		BuyerID:    "party_buyer",
		SupplierID: "party_supplier",
		Amount:     "22500.00",
		Currency:   money.USD,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tr
}

// advanceTo walks a transaction from initiated to the target status
// along the happy path.
func advanceTo(t *testing.T, l *Ledger, id string, target Status) *Transaction {
	t.Helper()
	ctx := context.Background()
	path := []struct {
		to    Status
		actor Actor
	}{
		{StatusPaymentPending, ActorSystem},
		{StatusPaymentReceived, ActorSystem},
		{StatusEscrowHeld, ActorSystem},
		{StatusProduction, ActorSupplier},
		{StatusQualityCheck, ActorSupplier},
		{StatusShipped, ActorSupplier},
		{StatusInTransit, ActorSupplier},
		{StatusDelivered, ActorSupplier},
		{StatusConfirmed, ActorBuyer},
	}
	var tr *Transaction
	var err error
	for _, step := range path {
		if step.to == StatusEscrowHeld {
			tr, err = l.AttachEscrow(ctx, id, "7", "0xabc")
		} else {
			tr, err = l.Advance(ctx, id, step.to, step.actor, "")
		}
		if err != nil {
			t.Fatalf("advance to %s: %v", step.to, err)
		}
		if tr.Status == target {
			return tr
		}
	}
	t.Fatalf("target %s not on happy path", target)
	return nil
}

func TestCreate(t *testing.T) {
	l := newTestLedger(t)
	tr := createTestTransaction(t, l)

	if tr.Status != StatusInitiated {
		t.Errorf("status = %s, want %s", tr.Status, StatusInitiated)
	}
	if tr.Version != 1 {
		t.Errorf("version = %d, want 1", tr.Version)
	}
	if len(tr.Milestones) != 1 || tr.Milestones[0].Stage != string(StatusInitiated) {
		t.Errorf("expected single initiated milestone, got %+v", tr.Milestones)
	}
	if tr.Reference == "" || tr.ID == "" {
		t.Error("expected id and reference to be set")
	}
}

func TestCreateValidation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, CreateInput{BuyerID: "a", SupplierID: "a", Amount: "1", Currency: money.USD})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("same buyer/supplier: got %v", err)
	}
	_, err = l.Create(ctx, CreateInput{BuyerID: "a", SupplierID: "b", Amount: "-1", Currency: money.USD})
	if !errors.Is(err, money.ErrInvalidAmount) {
		t.Errorf("negative amount: got %v", err)
	}
	_, err = l.Create(ctx, CreateInput{BuyerID: "a", SupplierID: "b", Amount: "1", Currency: "XXX"})
	if !errors.Is(err, money.ErrUnsupportedCurrency) {
		t.Errorf("bad currency: got %v", err)
	}
}

func TestHappyPathMilestones(t *testing.T) {
	l := newTestLedger(t)
	tr := createTestTransaction(t, l)
	tr = advanceTo(t, l, tr.ID, StatusConfirmed)

	if len(tr.Milestones) != 10 {
		t.Fatalf("milestones = %d, want 10", len(tr.Milestones))
	}
	for i := 1; i < len(tr.Milestones); i++ {
		if tr.Milestones[i].CreatedAt.Before(tr.Milestones[i-1].CreatedAt) {
			t.Errorf("milestone %d timestamp precedes milestone %d", i, i-1)
		}
	}
}

func TestMilestoneTimestampsSurviveClockStep(t *testing.T) {
	l := newTestLedger(t)
	tr := createTestTransaction(t, l)

	base := time.Now().UTC()
	times := []time.Time{base.Add(time.Hour), base}
	i := 0
	l.now = func() time.Time {
		ts := times[i%len(times)]
		i++
		return ts
	}

	tr, err := l.Advance(context.Background(), tr.ID, StatusPaymentPending, ActorSystem, "")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	tr, err = l.Advance(context.Background(), tr.ID, StatusPaymentReceived, ActorSystem, "")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	ms := tr.Milestones
	for i := 1; i < len(ms); i++ {
		if ms[i].CreatedAt.Before(ms[i-1].CreatedAt) {
			t.Fatalf("milestones reordered by clock step: %v then %v", ms[i-1].CreatedAt, ms[i].CreatedAt)
		}
	}
}

func TestAdvanceRejectsBadEdge(t *testing.T) {
	l := newTestLedger(t)
	tr := createTestTransaction(t, l)

	_, err := l.Advance(context.Background(), tr.ID, StatusShipped, ActorSupplier, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	_, err = l.Advance(context.Background(), tr.ID, StatusPaymentPending, ActorSupplier, "")
	if !errors.Is(err, ErrUnauthorizedActor) {
		t.Errorf("expected ErrUnauthorizedActor, got %v", err)
	}
}

// TestAdvanceRandomWalks drives randomized walks over the declared edge
// set: every declared edge with an allowed actor must succeed, and any
// randomly chosen move outside the set must be rejected without touching
// the stored state.
func TestAdvanceRandomWalks(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	allStatuses := []Status{
		StatusInitiated, StatusPaymentPending, StatusPaymentReceived,
		StatusEscrowHeld, StatusProduction, StatusQualityCheck,
		StatusShipped, StatusInTransit, StatusDelivered, StatusConfirmed,
		StatusEscrowReleased, StatusCompleted, StatusDisputed,
		StatusCancelled, StatusRefunded,
	}
	allActors := []Actor{ActorBuyer, ActorSupplier, ActorAdmin, ActorSystem}

	for run := 0; run < 25; run++ {
		l := newTestLedger(t)
		tr := createTestTransaction(t, l)

		for {
			cur := tr.Status
			next := forwardEdges[cur]
			if len(next) == 0 {
				break
			}

			for probe := 0; probe < 5; probe++ {
				to := allStatuses[rng.Intn(len(allStatuses))]
				actor := allActors[rng.Intn(len(allActors))]
				if _, declared := next[to]; declared {
					continue
				}
				if to == StatusCancelled {
					if _, legal := cancelEdges[cur]; legal {
						continue
					}
				}
				if _, err := l.Advance(ctx, tr.ID, to, actor, ""); !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("run %d: %s -> %s by %s: got %v, want ErrInvalidTransition", run, cur, to, actor, err)
				}
				got, _ := l.Get(ctx, tr.ID)
				if got.Status != cur || got.Version != tr.Version {
					t.Fatalf("run %d: rejected edge mutated state to %s v%d", run, got.Status, got.Version)
				}
			}

			for to, allowed := range next {
				// A declared edge driven by a party outside its actor
				// list must fail closed.
				var outsiders []Actor
				for _, a := range allActors {
					if checkActor(allowed, a) != nil {
						outsiders = append(outsiders, a)
					}
				}
				if len(outsiders) > 0 {
					bad := outsiders[rng.Intn(len(outsiders))]
					if _, err := l.Advance(ctx, tr.ID, to, bad, ""); !errors.Is(err, ErrUnauthorizedActor) {
						t.Fatalf("run %d: %s -> %s by %s: got %v, want ErrUnauthorizedActor", run, cur, to, bad, err)
					}
				}

				actor := allowed[rng.Intn(len(allowed))]
				var err error
				tr, err = l.Advance(ctx, tr.ID, to, actor, "")
				if err != nil {
					t.Fatalf("run %d: declared edge %s -> %s by %s: %v", run, cur, to, actor, err)
				}
			}
		}

		if tr.Status != StatusCompleted {
			t.Fatalf("run %d: walk ended in %s", run, tr.Status)
		}
	}
}

func TestAttachEscrowExactlyOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	tr := createTestTransaction(t, l)

	// Escrow before payment is rejected.
	_, err := l.AttachEscrow(ctx, tr.ID, "7", "0xabc")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	l.Advance(ctx, tr.ID, StatusPaymentPending, ActorSystem, "")
	l.Advance(ctx, tr.ID, StatusPaymentReceived, ActorSystem, "")

	tr, err = l.AttachEscrow(ctx, tr.ID, "7", "0xabc")
	if err != nil {
		t.Fatalf("AttachEscrow: %v", err)
	}
	if tr.Status != StatusEscrowHeld || tr.EscrowID != "7" {
		t.Errorf("got status=%s escrow=%s", tr.Status, tr.EscrowID)
	}

	// Second attach must fail regardless of arguments.
	_, err = l.AttachEscrow(ctx, tr.ID, "8", "0xdef")
	if !errors.Is(err, ErrEscrowAlreadySet) {
		t.Errorf("expected ErrEscrowAlreadySet, got %v", err)
	}
	got, _ := l.Get(ctx, tr.ID)
	if got.EscrowID != "7" {
		t.Errorf("escrow id changed to %s", got.EscrowID)
	}
}

func TestDisputeOverlayAndResume(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	tr := createTestTransaction(t, l)
	advanceTo(t, l, tr.ID, StatusProduction)

	tr, err := l.MarkDisputed(ctx, tr.ID, ActorBuyer, "wrong specs")
	if err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	if tr.Status != StatusDisputed || tr.ResumeStatus != StatusProduction {
		t.Fatalf("got status=%s resume=%s", tr.Status, tr.ResumeStatus)
	}

	// No forward progress while disputed.
	_, err = l.Advance(ctx, tr.ID, StatusQualityCheck, ActorSupplier, "")
	if !errors.Is(err, ErrDisputed) {
		t.Errorf("expected ErrDisputed, got %v", err)
	}

	// Only admin or system may resume.
	_, err = l.ResumeFromDispute(ctx, tr.ID, ActorSupplier, "")
	if !errors.Is(err, ErrUnauthorizedActor) {
		t.Errorf("expected ErrUnauthorizedActor, got %v", err)
	}

	tr, err = l.ResumeFromDispute(ctx, tr.ID, ActorAdmin, "dismissed")
	if err != nil {
		t.Fatalf("ResumeFromDispute: %v", err)
	}
	if tr.Status != StatusProduction || tr.ResumeStatus != "" {
		t.Fatalf("got status=%s resume=%q", tr.Status, tr.ResumeStatus)
	}

	// The trajectory continues where it left off.
	if _, err := l.Advance(ctx, tr.ID, StatusQualityCheck, ActorSupplier, ""); err != nil {
		t.Fatalf("advance after resume: %v", err)
	}
}

func TestDisputeNotAllowedInTerminalOrReleased(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	tr := createTestTransaction(t, l)
	advanceTo(t, l, tr.ID, StatusConfirmed)

	if _, err := l.MarkReleased(ctx, tr.ID, "0xrel"); err != nil {
		t.Fatalf("MarkReleased: %v", err)
	}
	if _, err := l.MarkDisputed(ctx, tr.ID, ActorBuyer, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("dispute after release: got %v", err)
	}
}

func TestMarkReleasedPaths(t *testing.T) {
	ctx := context.Background()

	t.Run("from confirmed", func(t *testing.T) {
		l := newTestLedger(t)
		tr := createTestTransaction(t, l)
		advanceTo(t, l, tr.ID, StatusConfirmed)

		tr, err := l.MarkReleased(ctx, tr.ID, "0xrel")
		if err != nil {
			t.Fatalf("MarkReleased: %v", err)
		}
		if tr.Status != StatusEscrowReleased || tr.SettlementTxHash != "0xrel" {
			t.Errorf("got status=%s hash=%s", tr.Status, tr.SettlementTxHash)
		}
		tr, err = l.Advance(ctx, tr.ID, StatusCompleted, ActorSystem, "")
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if tr.Status != StatusCompleted {
			t.Errorf("status = %s", tr.Status)
		}
	})

	t.Run("rejected when disputed", func(t *testing.T) {
		l := newTestLedger(t)
		tr := createTestTransaction(t, l)
		advanceTo(t, l, tr.ID, StatusConfirmed)
		l.MarkDisputed(ctx, tr.ID, ActorBuyer, "damaged goods")

		// The normal path must not clear a dispute that landed after the
		// release was submitted.
		if _, err := l.MarkReleased(ctx, tr.ID, "0xrel"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		got, _ := l.Get(ctx, tr.ID)
		if got.Status != StatusDisputed || got.ResumeStatus != StatusConfirmed {
			t.Errorf("got status=%s resume=%s, want dispute overlay intact", got.Status, got.ResumeStatus)
		}
	})

	t.Run("rejected mid-fulfillment", func(t *testing.T) {
		l := newTestLedger(t)
		tr := createTestTransaction(t, l)
		advanceTo(t, l, tr.ID, StatusProduction)

		if _, err := l.MarkReleased(ctx, tr.ID, "0x"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestMarkReleasedFromDispute(t *testing.T) {
	ctx := context.Background()

	t.Run("clears resume state", func(t *testing.T) {
		l := newTestLedger(t)
		tr := createTestTransaction(t, l)
		advanceTo(t, l, tr.ID, StatusInTransit)
		l.MarkDisputed(ctx, tr.ID, ActorBuyer, "damaged goods")

		tr, err := l.MarkReleasedFromDispute(ctx, tr.ID, "0xaward")
		if err != nil {
			t.Fatalf("MarkReleasedFromDispute: %v", err)
		}
		if tr.Status != StatusEscrowReleased || tr.ResumeStatus != "" {
			t.Errorf("got status=%s resume=%q", tr.Status, tr.ResumeStatus)
		}
		if tr.SettlementTxHash != "0xaward" {
			t.Errorf("settlement hash = %q", tr.SettlementTxHash)
		}
	})

	t.Run("requires disputed", func(t *testing.T) {
		l := newTestLedger(t)
		tr := createTestTransaction(t, l)
		advanceTo(t, l, tr.ID, StatusConfirmed)

		if _, err := l.MarkReleasedFromDispute(ctx, tr.ID, "0x"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestMarkRefundedRequiresDispute(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	tr := createTestTransaction(t, l)
	advanceTo(t, l, tr.ID, StatusInTransit)

	if _, err := l.MarkRefunded(ctx, tr.ID, "0x", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	l.MarkDisputed(ctx, tr.ID, ActorBuyer, "")
	tr, err := l.MarkRefunded(ctx, tr.ID, "0xref", "refunded")
	if err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	if tr.Status != StatusRefunded || tr.SettlementTxHash != "0xref" {
		t.Errorf("got status=%s hash=%s", tr.Status, tr.SettlementTxHash)
	}
}

func TestFlagAttention(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	tr := createTestTransaction(t, l)

	tr, err := l.FlagAttention(ctx, tr.ID, "manual check")
	if err != nil {
		t.Fatalf("FlagAttention: %v", err)
	}
	if !tr.NeedsAttention {
		t.Error("expected NeedsAttention")
	}

	flagged, err := l.ListNeedingAttention(ctx, 10)
	if err != nil || len(flagged) != 1 {
		t.Fatalf("ListNeedingAttention = %v, %v", flagged, err)
	}

	tr, err = l.ClearAttention(ctx, tr.ID, "resolved")
	if err != nil || tr.NeedsAttention {
		t.Fatalf("ClearAttention: %v, flag=%v", err, tr.NeedsAttention)
	}
}

func TestObserverFiresAfterCommit(t *testing.T) {
	var seen []Status
	store := NewMemoryStore()
	l := NewLedger(store, WithObserver(func(_ context.Context, tr *Transaction) {
		seen = append(seen, tr.Status)
	}))

	tr := createTestTransaction(t, l)
	l.Advance(context.Background(), tr.ID, StatusPaymentPending, ActorSystem, "")

	if len(seen) != 2 || seen[0] != StatusInitiated || seen[1] != StatusPaymentPending {
		t.Errorf("observer saw %v", seen)
	}
}

// conflictStore fails the first Update with a version conflict, the way
// an out-of-process writer racing between our read and write would.
type conflictStore struct {
	*MemoryStore
	conflicts int
}

func (s *conflictStore) Update(ctx context.Context, tr *Transaction, appended []Milestone) error {
	if s.conflicts > 0 {
		s.conflicts--
		return ErrConcurrentModification
	}
	return s.MemoryStore.Update(ctx, tr, appended)
}

func TestConcurrentModificationRetry(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	l := NewLedger(store)
	tr := createTestTransaction(t, l)
	ctx := context.Background()

	store.conflicts = 1
	if _, err := l.Advance(ctx, tr.ID, StatusPaymentPending, ActorSystem, ""); err != nil {
		t.Fatalf("Advance with one conflict should retry and succeed: %v", err)
	}

	// A persistent conflict surfaces after the single retry.
	store.conflicts = 2
	if _, err := l.Advance(ctx, tr.ID, StatusPaymentReceived, ActorSystem, ""); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}
