package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sevadaan/hundi-collect/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciliation(store *memStore) *ReconciliationService {
	svc := NewReconciliationService(store)
	svc.batchSize = 2 // force multiple batches in tests
	return svc
}

func overdueDonor(store *memStore, id uint, hundiNo string, status models.CollectionStatus) models.Donor {
	return store.addDonor(models.Donor{
		ID:             id,
		HundiNo:        hundiNo,
		Status:         status,
		CollectionDate: date(2024, time.February, 1),
		IsActive:       true,
	})
}

func TestReconcileOverdueDonors(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)
	now := date(2024, time.March, 5)

	collected := overdueDonor(store, 1, "H-001", models.StatusCollected)
	skipped := overdueDonor(store, 2, "H-002", models.StatusSkipped)
	// Already pending, excluded by the scan predicate.
	store.addDonor(models.Donor{
		ID: 3, HundiNo: "H-003", Status: models.StatusPending,
		CollectionDate: date(2024, time.February, 1), IsActive: true,
	})
	// Not yet due.
	store.addDonor(models.Donor{
		ID: 4, HundiNo: "H-004", Status: models.StatusCollected,
		CollectionDate: date(2024, time.March, 20), IsActive: true,
	})
	// Inactive donors never reconcile.
	store.addDonor(models.Donor{
		ID: 5, HundiNo: "H-005", Status: models.StatusCollected,
		CollectionDate: date(2024, time.February, 1), IsActive: false,
	})

	result := svc.ReconcileOverdueDonors(context.Background(), now)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 0, result.Failed)

	for _, donor := range []models.Donor{collected, skipped} {
		stored := store.donor(donor.ID)
		assert.Equal(t, models.StatusPending, stored.Status)
		// Collection date is left untouched by reconciliation.
		assert.Equal(t, date(2024, time.February, 1), stored.CollectionDate)

		history := store.donorHistory(donor.ID)
		require.Len(t, history, 1)
		assert.Equal(t, models.StatusPending, history[0].Status)
		assert.Contains(t, history[0].Note, "collection date missed")
	}
}

func TestReconcileOverdueDonorsIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)
	now := date(2024, time.March, 5)

	overdueDonor(store, 1, "H-001", models.StatusCollected)

	first := svc.ReconcileOverdueDonors(context.Background(), now)
	assert.Equal(t, 1, first.Updated)

	second := svc.ReconcileOverdueDonors(context.Background(), now)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 0, second.Checked)

	// Exactly one history entry from the first run.
	assert.Len(t, store.donorHistory(1), 1)
}

func TestReconcileSkipsDonorsHandledThisCycle(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)
	now := date(2024, time.March, 5)

	donor := overdueDonor(store, 1, "H-001", models.StatusCollected)
	store.addRecord(models.DonationRecord{
		DonorID:     donor.ID,
		CycleKey:    "2024-03",
		Amount:      decimal.NewFromInt(300),
		Status:      models.StatusCollected,
		CollectedAt: date(2024, time.March, 2),
	})

	result := svc.ReconcileOverdueDonors(context.Background(), now)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, models.StatusCollected, store.donor(donor.ID).Status)
}

func TestReconcileIgnoresPlaceholderRecords(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)
	now := date(2024, time.March, 5)

	donor := overdueDonor(store, 1, "H-001", models.StatusCollected)
	// A pre-materialized placeholder is not a real outcome.
	store.addRecord(models.DonationRecord{
		DonorID:  donor.ID,
		CycleKey: "2024-03",
		Amount:   decimal.Zero,
		Status:   models.StatusPending,
	})

	result := svc.ReconcileOverdueDonors(context.Background(), now)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, models.StatusPending, store.donor(donor.ID).Status)
}

func TestReconcileIsolatesPerDonorFailures(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)
	now := date(2024, time.March, 5)

	overdueDonor(store, 1, "H-001", models.StatusCollected)
	broken := overdueDonor(store, 2, "H-002", models.StatusCollected)
	overdueDonor(store, 3, "H-003", models.StatusCollected)
	store.failDonorUpdate[broken.ID] = errors.New("deadlock")

	result := svc.ReconcileOverdueDonors(context.Background(), now)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 3, result.Checked)
	assert.Equal(t, 1, result.Failed)

	// The failure did not stop the donors after it.
	assert.Equal(t, models.StatusPending, store.donor(1).Status)
	assert.Equal(t, models.StatusPending, store.donor(3).Status)
}

func TestInitializeCycleRecords(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)
	now := date(2024, time.March, 1)

	store.addDonor(models.Donor{
		ID: 1, HundiNo: "H-001", Status: models.StatusPending,
		CollectionDate: date(2024, time.March, 10), IsActive: true, CreatedBy: 9,
	})
	handled := store.addDonor(models.Donor{
		ID: 2, HundiNo: "H-002", Status: models.StatusCollected,
		CollectionDate: date(2024, time.April, 2), IsActive: true,
	})
	store.addRecord(models.DonationRecord{
		DonorID:     handled.ID,
		CycleKey:    "2024-03",
		Amount:      decimal.NewFromInt(100),
		Status:      models.StatusCollected,
		CollectedAt: date(2024, time.March, 1),
	})
	store.addDonor(models.Donor{
		ID: 3, HundiNo: "H-003", Status: models.StatusPending,
		CollectionDate: date(2024, time.March, 15), IsActive: false,
	})

	result := svc.InitializeCycleRecords(context.Background(), now)
	assert.Equal(t, 1, result.Initialized)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 0, result.Failed)

	placeholder := store.recordFor(1, "2024-03")
	require.NotNil(t, placeholder)
	assert.True(t, placeholder.Amount.IsZero())
	assert.Equal(t, models.StatusPending, placeholder.Status)
	assert.Equal(t, uint(9), placeholder.CollectedBy) // attributed to the donor's creator
	assert.NotEmpty(t, placeholder.ReceiptNo)

	// Status and dates stay untouched.
	assert.Equal(t, models.StatusPending, store.donor(1).Status)
	assert.Equal(t, date(2024, time.March, 10), store.donor(1).CollectionDate)

	// Inactive donors get no placeholder.
	assert.Nil(t, store.recordFor(3, "2024-03"))
}

func TestInitializeCycleRecordsIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)
	now := date(2024, time.March, 1)

	for i := uint(1); i <= 5; i++ {
		store.addDonor(models.Donor{
			ID: i, Status: models.StatusPending, IsActive: true,
			CollectionDate: date(2024, time.March, 10),
		})
	}

	first := svc.InitializeCycleRecords(context.Background(), now)
	assert.Equal(t, 5, first.Initialized)

	second := svc.InitializeCycleRecords(context.Background(), now)
	assert.Equal(t, 0, second.Initialized)
	assert.Equal(t, 5, second.Skipped)
	assert.Equal(t, 5, store.recordCount())
}

func TestInitializeCycleRecordsIsolatesFailures(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)
	now := date(2024, time.March, 1)

	for i := uint(1); i <= 3; i++ {
		store.addDonor(models.Donor{
			ID: i, Status: models.StatusPending, IsActive: true,
			CollectionDate: date(2024, time.March, 10),
		})
	}
	store.failRecordCreate[2] = errors.New("connection reset")

	result := svc.InitializeCycleRecords(context.Background(), now)
	assert.Equal(t, 2, result.Initialized)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 3, result.Total)

	assert.NotNil(t, store.recordFor(1, "2024-03"))
	assert.Nil(t, store.recordFor(2, "2024-03"))
	assert.NotNil(t, store.recordFor(3, "2024-03"))
}

func TestReconcileStopsOnContextCancel(t *testing.T) {
	store := newMemStore()
	svc := newTestReconciliation(store)

	overdueDonor(store, 1, "H-001", models.StatusCollected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := svc.ReconcileOverdueDonors(ctx, date(2024, time.March, 5))
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 0, result.Checked)
}
