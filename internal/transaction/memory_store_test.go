package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/settlement/internal/money"
)

func storeFixture(id, ref string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:         id,
		Reference:  ref,
		BuyerID:    "party_buyer",
		SupplierID: "party_supplier",
		Amount:     decimal.RequireFromString("100.50"),
		Currency:   money.USD,
		Status:     StatusInitiated,
		Milestones: []Milestone{{Stage: "initiated", Actor: ActorBuyer, CreatedAt: now}},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := storeFixture("txn_1", "TRD-AAAA1111")

	require.NoError(t, store.Create(ctx, tr))

	got, err := store.Get(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "party_buyer", got.BuyerID)
	assert.True(t, got.Amount.Equal(tr.Amount))

	got, err = store.GetByReference(ctx, "TRD-AAAA1111")
	require.NoError(t, err)
	assert.Equal(t, "txn_1", got.ID)

	_, err = store.Get(ctx, "txn_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreOptimisticLocking(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, storeFixture("txn_1", "TRD-AAAA1111")))

	got, _ := store.Get(ctx, "txn_1")
	got.Status = StatusPaymentPending
	require.NoError(t, store.Update(ctx, got, nil))

	// The stale copy still carries version 1.
	stale := storeFixture("txn_1", "TRD-AAAA1111")
	err := store.Update(ctx, stale, nil)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	fresh, _ := store.Get(ctx, "txn_1")
	assert.Equal(t, int64(2), fresh.Version)
	assert.Equal(t, StatusPaymentPending, fresh.Status)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, storeFixture("txn_1", "TRD-AAAA1111")))

	got, _ := store.Get(ctx, "txn_1")
	got.Status = StatusCancelled
	got.Milestones[0].Stage = "mutated"

	fresh, _ := store.Get(ctx, "txn_1")
	assert.Equal(t, StatusInitiated, fresh.Status)
	assert.Equal(t, "initiated", fresh.Milestones[0].Stage)
}

func TestMemoryStoreLists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := storeFixture("txn_a", "TRD-AAAA0001")
	b := storeFixture("txn_b", "TRD-AAAA0002")
	b.BuyerID = "party_other"
	b.EscrowID = "12"
	b.Status = StatusEscrowHeld
	c := storeFixture("txn_c", "TRD-AAAA0003")
	c.EscrowID = "13"
	c.Status = StatusCompleted
	c.NeedsAttention = true

	for _, tr := range []*Transaction{a, b, c} {
		require.NoError(t, store.Create(ctx, tr))
	}

	byParty, err := store.ListByParty(ctx, "party_buyer", 10)
	require.NoError(t, err)
	assert.Len(t, byParty, 2)

	bySupplier, err := store.ListByParty(ctx, "party_supplier", 10)
	require.NoError(t, err)
	assert.Len(t, bySupplier, 3)

	// Terminal transactions are excluded even with an escrow attached.
	open, err := store.ListOpenEscrows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "txn_b", open[0].ID)

	attention, err := store.ListNeedingAttention(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, "txn_c", attention[0].ID)
}
